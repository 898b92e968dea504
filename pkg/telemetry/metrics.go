package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Dispatch ────────────────────────────────────────────────────────────────

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "tasks_processed_total",
		Help:      "Total tasks that reached a terminal result, labelled by status.",
	}, []string{"status"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offload",
		Name:      "task_duration_seconds",
		Help:      "Time from dequeue to terminal result in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"task_type"})

	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "offload",
		Name:      "tasks_inflight",
		Help:      "Provider calls currently running, per domain.",
	}, []string{"domain"})

	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "offload",
		Name:      "queue_size",
		Help:      "Envelopes queued or in flight.",
	})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "tasks_enqueued_total",
		Help:      "Total envelopes accepted into the queue, labelled by source.",
	}, []string{"source"})

	QueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "queue_rejected_total",
		Help:      "Total envelopes refused at admission, labelled by error kind.",
	}, []string{"kind"})

	// ─── Circuit breaker ─────────────────────────────────────────────────────────

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "offload",
		Name:      "circuit_breaker_state",
		Help:      "Breaker state per provider domain: 0 closed, 1 half_open, 2 open.",
	}, []string{"domain"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Total breaker state changes, labelled by domain and target state.",
	}, []string{"domain", "to"})

	// ─── Telemetry & events ──────────────────────────────────────────────────────

	TelemetryPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "telemetry_published_total",
		Help:      "Total result messages handed to the telemetry transport, labelled by outcome.",
	}, []string{"outcome"})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "offload",
		Name:      "event_subscribers",
		Help:      "Live-event stream subscribers currently connected.",
	})

	EventSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "offload",
		Name:      "event_subscribers_dropped_total",
		Help:      "Total subscribers disconnected for falling behind.",
	})
)
