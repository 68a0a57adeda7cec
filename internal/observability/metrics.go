package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors registered on the default registry; exposed
// via promhttp on /metrics.
var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "ioqueue",
		Name:      "jobs_processed_total",
		Help:      "Task executions by task name and outcome.",
	}, []string{"task_name", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Subsystem: "ioqueue",
		Name:      "job_duration_seconds",
		Help:      "Task execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task_name"})

	EphemeralDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "ioqueue",
		Name:      "ephemeral_dropped_total",
		Help:      "Ephemeral envelopes dropped before execution.",
	}, []string{"reason"})

	BridgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "bridge",
		Name:      "calls_total",
		Help:      "Awaitable cross-process calls by function and outcome.",
	}, []string{"fn", "outcome"})

	BridgeDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "bridge",
		Name:      "deliveries_total",
		Help:      "Completion deliveries by route and outcome.",
	}, []string{"route", "outcome"})

	GuardDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "guard",
		Name:      "decisions_total",
		Help:      "Admission guard decisions.",
	}, []string{"decision"})

	RealtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Subsystem: "realtime",
		Name:      "events_total",
		Help:      "Progress events published by status.",
	}, []string{"status"})

	RealtimeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "realtime",
		Name:      "subscriptions",
		Help:      "Live WebSocket subscriptions.",
	})
)

// RegisterPendingFutures exposes the future registry depth as a gauge
func RegisterPendingFutures(fn func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dispatch",
		Subsystem: "bridge",
		Name:      "pending_futures",
		Help:      "Futures awaiting resolution.",
	}, fn)
}
