package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/events"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	"github.com/ramiqadoumi/go-task-offload/services/offloader"
)

// Engine is the part of the dispatcher the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, env *domain.TaskEnvelope, source string) error
	Stats() offloader.Stats
	Ready() bool
}

// EventSource feeds the live-event stream.
type EventSource interface {
	Subscribe(topics []string, lastID int64) *events.Subscription
	Unsubscribe(id string)
}

// REST handles HTTP requests for the offloader.
type REST struct {
	engine    Engine
	events    EventSource
	logger    *slog.Logger
	retry     time.Duration
	keepAlive time.Duration
}

// NewREST creates a new REST handler.
func NewREST(engine Engine, src EventSource, logger *slog.Logger) *REST {
	return &REST{
		engine:    engine,
		events:    src,
		logger:    logger,
		retry:     3 * time.Second,
		keepAlive: 15 * time.Second,
	}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	TaskID   string          `json:"task_id,omitempty"`
	TaskType domain.TaskType `json:"task_type"`
	Payload  map[string]any  `json:"payload"`
	Meta     map[string]any  `json:"meta,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

// SubmitTask handles POST /api/v1/tasks. Rejections answer with a failed
// TaskResult so the caller sees the same structure it would receive over
// telemetry.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("offloader").Start(r.Context(), "offloader.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	env := domain.NewEnvelope(req.TaskID, req.TaskType, req.Payload, req.Meta, domain.PriorityOrDefault(req.Priority))
	span.SetAttributes(
		attribute.String("task.id", env.TaskID),
		attribute.String("task.type", string(env.TaskType)),
	)

	if err := h.engine.Submit(ctx, env, "rest"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task rejected")
		writeJSON(w, statusFor(err), domain.NewFailedResult(env, err, 0))
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:   env.TaskID,
		Status:   "queued",
		Priority: env.Priority,
	})
}

// statusFor maps a Submit error onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, queue.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch domain.Classify(err).Kind {
	case domain.ErrorKindValidation:
		return http.StatusBadRequest
	case domain.ErrorKindRateLimited:
		return http.StatusTooManyRequests
	case domain.ErrorKindQueueFull:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. Ready once the executors run.
func (h *REST) Readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.engine.Ready() {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
