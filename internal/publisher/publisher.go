// Package publisher republishes task results to the remote requester over a
// pub/sub transport.
//
// Publishing is best-effort. There is no acknowledgment, no retry and no
// local buffer of unsent messages; a failed publish is logged and dropped and
// the requester relies on its own timeout to fall back.
package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

// DefaultTopicPrefix produces topics like "offload.results.voice".
const DefaultTopicPrefix = "offload.results"

// Transport carries encoded messages. The Kafka producer and the Redis
// pub/sub transport both satisfy it.
type Transport interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// NopTransport discards every message. Used when telemetry is disabled.
type NopTransport struct{}

func (NopTransport) Publish(context.Context, string, string, []byte) error { return nil }

// Publisher emits TaskResults on per-domain topics.
type Publisher struct {
	transport Transport
	prefix    string
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopicPrefix overrides DefaultTopicPrefix.
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) { p.prefix = prefix }
}

// WithTimeout bounds a single publish. Defaults to 2s.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher. A nil transport behaves like NopTransport.
func New(transport Transport, logger *slog.Logger, opts ...Option) *Publisher {
	if transport == nil {
		transport = NopTransport{}
	}
	p := &Publisher{
		transport: transport,
		prefix:    DefaultTopicPrefix,
		timeout:   2 * time.Second,
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Topic returns the topic results of taskType are published on. Task types
// without a recognizable domain go to "<prefix>.unknown".
func (p *Publisher) Topic(taskType domain.TaskType) string {
	d := taskType.Domain()
	if d == "" {
		d = "unknown"
	}
	return p.prefix + "." + d
}

// Publish emits r and never returns an error. The publish is detached from
// ctx cancellation so results of tasks finishing during shutdown still go
// out, but it is bounded by the publisher timeout.
func (p *Publisher) Publish(ctx context.Context, r *domain.TaskResult) {
	topic := p.Topic(r.TaskType)
	log := p.logger.With(
		slog.String("task_id", r.TaskID),
		slog.String("topic", topic),
	)

	value, err := Encode(topic, r, p.now())
	if err != nil {
		telemetry.TelemetryPublished.WithLabelValues("dropped").Inc()
		log.Warn("telemetry encode failed, dropping", slog.String("error", err.Error()))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.transport.Publish(pubCtx, topic, r.TaskID, value); err != nil {
		telemetry.TelemetryPublished.WithLabelValues("dropped").Inc()
		log.Warn("telemetry publish failed, dropping", slog.String("error", err.Error()))
		return
	}
	telemetry.TelemetryPublished.WithLabelValues("sent").Inc()
	log.Debug("telemetry published", slog.String("status", string(r.Status)))
}
