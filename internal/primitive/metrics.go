package primitive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	elementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_primitive_elements_total",
		Help: "Total number of elements transformed by CPU primitives",
	}, []string{"kind"})

	executeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quant_primitive_execute_duration_seconds",
		Help:    "Time spent executing a CPU primitive",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"kind"})
)
