package emerge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("portago.emerge")

var (
	// attemptsTotal counts depgraph attempts by outcome.
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portago",
		Subsystem: "resolver",
		Name:      "attempts_total",
		Help:      "Depgraph attempts by outcome",
	}, []string{"outcome"})

	// resolutionsTotal counts finished resolutions by final state.
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portago",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Resolutions by final state",
	}, []string{"state"})

	resolutionAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "portago",
		Subsystem: "resolver",
		Name:      "attempts_per_resolution",
		Help:      "Number of attempts needed by one resolution",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
	})

	resolutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "portago",
		Subsystem: "resolver",
		Name:      "duration_seconds",
		Help:      "Wall time of one resolution, backtracking included",
		Buckets:   prometheus.DefBuckets,
	})

	graphNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "portago",
		Subsystem: "resolver",
		Name:      "graph_nodes",
		Help:      "Nodes in the graph of the returned attempt",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)
