package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ramiqadoumi/go-task-offload/internal/events"
)

// StreamEvents handles GET /api/v1/events?topics=task,breaker.
//
// The stream opens with a retry hint, replays buffered events newer than
// Last-Event-ID, then follows live events until the client disconnects or
// falls far enough behind to be dropped. Reconnecting is the client's job.
func (h *REST) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// The server-wide write timeout would cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	topics := parseTopics(r.URL.Query().Get("topics"))
	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseLastEventID(r.URL.Query().Get("last_event_id"))
	}

	sub := h.events.Subscribe(topics, lastID)
	defer h.events.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retry.Milliseconds()); err != nil {
		return
	}
	for _, ev := range sub.History {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseTopics(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Data is single-line JSON.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
