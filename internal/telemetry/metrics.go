package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var IndexAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "indexing",
		Name:      "attempts_total",
		Help:      "Total number of indexing attempts by terminal status.",
	},
	[]string{"status"},
)

var DocsIndexedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "indexing",
		Name:      "documents_total",
		Help:      "Total number of documents written to the search index.",
	},
	[]string{"source"},
)

var ChunksIndexedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "indexing",
		Name:      "chunks_total",
		Help:      "Total number of chunks written to the search index.",
	},
)

var DocFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "indexing",
		Name:      "document_failures_total",
		Help:      "Total number of per-document indexing failures by stage.",
	},
	[]string{"stage"},
)

var IndexBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "quarry",
		Subsystem: "indexing",
		Name:      "batch_duration_seconds",
		Help:      "Indexing pipeline batch duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
)

var SyncTasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "sync",
		Name:      "tasks_total",
		Help:      "Total number of per-document sync tasks by outcome.",
	},
	[]string{"outcome"},
)

var BeatPassDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "quarry",
		Subsystem: "beat",
		Name:      "pass_duration_seconds",
		Help:      "Duration of one beat pass in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"task"},
)

var FencesActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "quarry",
		Subsystem: "fences",
		Name:      "active",
		Help:      "Number of fences currently in the active registry.",
	},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "quarry",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of tasks waiting per queue.",
	},
	[]string{"queue"},
)

var ConnectorRateLimitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "connectors",
		Name:      "rate_limits_total",
		Help:      "Total number of rate-limit responses seen per source.",
	},
	[]string{"source"},
)

// All returns all Quarry-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		IndexAttemptsTotal,
		DocsIndexedTotal,
		ChunksIndexedTotal,
		DocFailuresTotal,
		IndexBatchDuration,
		SyncTasksTotal,
		BeatPassDuration,
		FencesActive,
		QueueDepth,
		ConnectorRateLimitsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// plus any additional service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
