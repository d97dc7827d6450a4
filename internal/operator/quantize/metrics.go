package quantize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_quantize_forward_total",
		Help: "Total number of Quantize forward calls",
	}, []string{"dtype", "mode"})

	reshapeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_quantize_reshape_total",
		Help: "Total number of Quantize reshapes that rebuilt shape-dependent state",
	}, []string{"dtype"})

	degenerateRanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quant_quantize_degenerate_ranges_total",
		Help: "Total number of zero-width ranges replaced with the epsilon scale",
	})
)
