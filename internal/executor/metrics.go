package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quant_graph_run_duration_seconds",
		Help:    "Time spent executing a graph run",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"graph"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_graph_runs_total",
		Help: "Total number of graph runs by outcome",
	}, []string{"graph", "status"})

	nodeReshapes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quant_graph_node_reshapes_total",
		Help: "Total number of Reshape calls issued to nodes",
	}, []string{"graph", "node"})
)
