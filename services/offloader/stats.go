package offloader

import (
	"context"
	"log/slog"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
	"github.com/ramiqadoumi/go-task-offload/internal/events"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

// Stats is the aggregated view served by the stats endpoint and broadcast
// on the stats topic.
type Stats struct {
	Queue    queue.Stats        `json:"queue"`
	MaxSize  int                `json:"max_size"`
	InFlight int64              `json:"in_flight"`
	Workers  int                `json:"workers"`
	Breakers []breaker.Snapshot `json:"breakers"`
	Domains  []string           `json:"domains"`
}

// Stats collects queue counters and breaker snapshots.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queue:    d.queue.Stats(),
		MaxSize:  d.queue.MaxSize(),
		InFlight: d.inFlight.Load(),
		Workers:  d.workers,
		Breakers: d.breakers.Snapshots(),
		Domains:  d.providers.Domains(),
	}
}

// BroadcastStats refreshes the gauges and publishes a stats snapshot.
func (d *Dispatcher) BroadcastStats() Stats {
	st := d.Stats()
	telemetry.QueueSize.Set(float64(st.Queue.CurrentSize))
	for _, b := range st.Breakers {
		telemetry.CircuitBreakerState.WithLabelValues(b.Domain).Set(b.State.Gauge())
	}
	d.events.Publish(events.TopicStats, events.TypeStatsSnapshot, st)
	return st
}

// BreakerHook returns the transition callback that keeps the breaker gauge
// current, logs the change and broadcasts it.
func BreakerHook(b Broadcaster, logger *slog.Logger) breaker.TransitionFunc {
	return func(tr breaker.Transition) {
		telemetry.CircuitBreakerState.WithLabelValues(tr.Domain).Set(tr.To.Gauge())
		telemetry.CircuitBreakerTransitions.WithLabelValues(tr.Domain, string(tr.To)).Inc()

		level := slog.LevelInfo
		if tr.To == breaker.StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker state changed",
			slog.String("domain", tr.Domain),
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
		)

		if b != nil {
			b.Publish(events.TopicBreaker, events.TypeBreakerStateChanged, map[string]any{
				"domain": tr.Domain,
				"from":   tr.From,
				"to":     tr.To,
				"at":     tr.At,
			})
		}
	}
}
