// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drospect"

// Start paths.
const (
	PathBundle = "bundle"
	PathStream = "stream"
	PathQueued = "queued"
)

var (
	// --- Tasks ---

	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "started_total",
		Help:      "Tasks created, labelled by the start path taken.",
	}, []string{"path"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	TasksPartial = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "partial_results_total",
		Help:      "Completed tasks whose raster publication recorded a warning.",
	})

	// --- Credits ---

	RefundsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credits",
		Name:      "refunds_total",
		Help:      "Refunds applied. Repeated attempts for the same task are not counted.",
	})

	CreditsRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "credits",
		Name:      "refunded_total",
		Help:      "Credits returned to wallets by refunds.",
	})

	// --- Engine ---

	EnginePollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "poll_errors_total",
		Help:      "Failed engine status queries.",
	})

	PollLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "poll_loops",
		Help:      "Poll loops currently scheduled.",
	})

	// --- Result pipeline ---

	ResultDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "results",
		Name:      "duration_seconds",
		Help:      "Result pipeline run time from download to saved results.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	// --- HTTP ---

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
