package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/go-task-offload/services/offloader/middleware"
)

const maxRequestBody = 4 << 20

// NewRouter wires the REST and SSE endpoints.
func NewRouter(h *REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.MaxBodySize(maxRequestBody)).Post("/tasks", h.SubmitTask)
		r.Get("/stats", h.Stats)
		r.Get("/events", h.StreamEvents)
	})
	return r
}
