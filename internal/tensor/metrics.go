package tensor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_tensor_pool_hits_total",
		Help: "Total number of tensor storage requests served from the pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_tensor_pool_misses_total",
		Help: "Total number of tensor storage requests that allocated",
	})

	poolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quant_tensor_pool_bytes",
		Help: "Approximate bytes of storage parked in tensor pools",
	})
)
