package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	nodeMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "tree",
			Name:      "mutations_total",
			Help:      "Total number of node mutations processed.",
		},
		[]string{"action", "status"},
	)

	propagationHops = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "tree",
			Name:      "propagation_hops",
			Help:      "Ancestor hops walked per aggregate propagation.",
			Buckets:   prometheus.LinearBuckets(0, 2, 12), // 0 to 22 hops
		},
	)

	consistencyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "tree",
			Name:      "consistency_errors_total",
			Help:      "Broken tree invariants detected at runtime.",
		},
	)

	scriptExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "scripts",
			Name:      "executions_total",
			Help:      "Total number of sandbox script executions.",
		},
		[]string{"status"},
	)

	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arbor",
			Subsystem: "scripts",
			Name:      "execution_duration_seconds",
			Help:      "Duration of sandbox script executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"status"},
	)

	inspectorSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbor",
			Subsystem: "inspector",
			Name:      "sweeps_total",
			Help:      "Aggregate consistency sweeps by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		nodeMutations,
		propagationHops,
		consistencyErrors,
		scriptExecutions,
		scriptDuration,
		inspectorSweeps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordMutation records one processed node mutation.
func RecordMutation(action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	nodeMutations.WithLabelValues(action, status).Inc()
}

// ObservePropagationHops records the ancestor hops of one propagation walk.
func ObservePropagationHops(hops int) {
	propagationHops.Observe(float64(hops))
}

// RecordConsistencyError counts one detected invariant violation.
func RecordConsistencyError() {
	consistencyErrors.Inc()
}

// RecordScriptExecution records metrics for one sandbox script run.
func RecordScriptExecution(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	scriptExecutions.WithLabelValues(status).Inc()
	scriptDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordInspectorSweep records the outcome of one consistency sweep.
func RecordInspectorSweep(outcome string) {
	inspectorSweeps.WithLabelValues(outcome).Inc()
}
