// Package ingest turns task requests arriving on Kafka into queued envelopes.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/kafka"
)

// Submitter admits envelopes into the dispatch queue.
type Submitter interface {
	Submit(ctx context.Context, env *domain.TaskEnvelope, source string) error
}

// ResultPublisher answers rejected requests.
type ResultPublisher interface {
	Publish(ctx context.Context, r *domain.TaskResult)
}

// request is the inbound message body.
type request struct {
	TaskID   string          `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
	Payload  map[string]any  `json:"payload"`
	Meta     map[string]any  `json:"meta"`
	Priority *int            `json:"priority"`
}

// Ingest consumes the request topic.
type Ingest struct {
	consumer  kafka.Consumer
	submitter Submitter
	publisher ResultPublisher
	logger    *slog.Logger
}

// New creates an Ingest.
func New(consumer kafka.Consumer, submitter Submitter, publisher ResultPublisher, logger *slog.Logger) *Ingest {
	return &Ingest{consumer: consumer, submitter: submitter, publisher: publisher, logger: logger}
}

// Run consumes until ctx is cancelled.
func (i *Ingest) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.handle)
}

// handle always returns nil so the offset is committed: malformed messages
// are discarded and rejected envelopes are answered through telemetry.
func (i *Ingest) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("offloader").Start(ctx, "offloader.ingest")
	defer span.End()

	var req request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		i.logger.Error("malformed request message, discarding",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed message")
		return nil
	}
	if req.TaskID == "" && len(msg.Key) > 0 {
		req.TaskID = string(msg.Key)
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	env := domain.NewEnvelope(req.TaskID, req.TaskType, req.Payload, req.Meta, domain.PriorityOrDefault(req.Priority))
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.type", string(env.TaskType)),
	)

	if err := i.submitter.Submit(ctx, env, "kafka"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task rejected")
		i.publisher.Publish(ctx, domain.NewFailedResult(env, err, 0))
	}
	return nil
}
