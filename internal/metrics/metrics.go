// Package metrics defines the daemon's Prometheus instrumentation. Metrics
// are registered on the default registry and exposed by the API's /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RendersTotal counts completed requests by terminal outcome.
	RendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "typesetd",
			Name:      "renders_total",
			Help:      "Completed render requests by outcome.",
		},
		[]string{"outcome"},
	)

	// RenderDuration observes wall-clock render time by outcome.
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "typesetd",
			Name:      "render_duration_seconds",
			Help:      "Wall-clock time from dispatch to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks undispatched requests waiting for a slot.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "typesetd",
			Name:      "queue_depth",
			Help:      "Requests admitted but not yet dispatched to a worker.",
		},
	)

	// QueueRejectedTotal counts submissions refused because the queue was full.
	QueueRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "typesetd",
			Name:      "queue_rejected_total",
			Help:      "Render submissions rejected due to backpressure.",
		},
	)

	// CancelledTotal counts requests cancelled while still queued.
	CancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "typesetd",
			Name:      "cancelled_total",
			Help:      "Requests cancelled before dispatch.",
		},
	)

	// WorkerRestartsTotal counts worker respawns by cause.
	WorkerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "typesetd",
			Name:      "worker_restarts_total",
			Help:      "Worker processes killed and respawned, by cause.",
		},
		[]string{"cause"},
	)
)
