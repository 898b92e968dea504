package handler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
	"github.com/ramiqadoumi/go-task-offload/internal/events"
	"github.com/ramiqadoumi/go-task-offload/internal/queue"
	"github.com/ramiqadoumi/go-task-offload/services/offloader"
	"github.com/ramiqadoumi/go-task-offload/services/offloader/handler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeEngine struct {
	submitErr error
	submitted []*domain.TaskEnvelope
	ready     atomic.Bool
}

func (e *fakeEngine) Submit(_ context.Context, env *domain.TaskEnvelope, _ string) error {
	if e.submitErr != nil {
		return e.submitErr
	}
	e.submitted = append(e.submitted, env)
	return nil
}

func (e *fakeEngine) Stats() offloader.Stats {
	return offloader.Stats{Queue: queue.Stats{TotalQueued: 4, CurrentSize: 1}, MaxSize: 10, Domains: []string{"voice"}}
}

func (e *fakeEngine) Ready() bool { return e.ready.Load() }

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newServer(t *testing.T, engine *fakeEngine, mgr *events.Manager) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler.NewRouter(handler.NewREST(engine, mgr, discardLogger), discardLogger))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/tasks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmitTask_Accepted(t *testing.T) {
	engine := &fakeEngine{}
	srv := newServer(t, engine, events.NewManager(events.Config{}))

	resp, out := post(t, srv, `{"task_type":"voice.asr","payload":{"audio":"abc"},"priority":42}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, float64(domain.PriorityLowest), out["priority"], "priority is clamped")
	require.Len(t, engine.submitted, 1)
	assert.NotEmpty(t, engine.submitted[0].TaskID, "task_id is generated when omitted")
	assert.Equal(t, engine.submitted[0].TaskID, out["task_id"])
}

func TestSubmitTask_PriorityDefaults(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"absent", `{"task_type":"voice.asr","payload":{"audio":"abc"}}`, domain.PriorityDefault},
		{"explicit zero", `{"task_type":"voice.asr","payload":{"audio":"abc"},"priority":0}`, domain.PriorityHighest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &fakeEngine{}, events.NewManager(events.Config{}))
			resp, out := post(t, srv, tt.body)
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
			assert.Equal(t, float64(tt.want), out["priority"])
		})
	}
}

func TestSubmitTask_KeepsCallerTaskID(t *testing.T) {
	engine := &fakeEngine{}
	srv := newServer(t, engine, events.NewManager(events.Config{}))

	_, out := post(t, srv, `{"task_id":"edge-7","task_type":"text.generate","payload":{"prompt":"hi"}}`)
	assert.Equal(t, "edge-7", out["task_id"])
}

func TestSubmitTask_InvalidBody(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, events.NewManager(events.Config{}))

	resp, out := post(t, srv, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", out["error"])
}

func TestSubmitTask_RejectionStatusCodes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		code     int
		kind     string
		fallback bool
	}{
		{"validation", &domain.ValidationError{Field: "audio", Reason: "is required"}, http.StatusBadRequest, "validation", false},
		{"unknown type", &domain.InvalidTaskTypeError{TaskType: "sms.send"}, http.StatusBadRequest, "validation", false},
		{"rate limited", &domain.RateLimitExceededError{TaskType: "voice.asr", Limit: 5}, http.StatusTooManyRequests, "rate_limited", true},
		{"queue full", &domain.QueueFullError{MaxSize: 10}, http.StatusServiceUnavailable, "queue_full", true},
		{"closed", queue.ErrClosed, http.StatusServiceUnavailable, "provider_execution", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, &fakeEngine{submitErr: tc.err}, events.NewManager(events.Config{}))

			resp, out := post(t, srv, `{"task_id":"t1","task_type":"voice.asr","payload":{}}`)

			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Equal(t, "failed", out["status"])
			assert.Equal(t, "t1", out["task_id"])
			detail, ok := out["error"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tc.kind, detail["kind"])
			assert.Equal(t, tc.fallback, out["meta"].(map[string]any)["fallback_required"])
		})
	}
}

func TestStats(t *testing.T) {
	srv := newServer(t, &fakeEngine{}, events.NewManager(events.Config{}))

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st offloader.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, int64(4), st.Queue.TotalQueued)
	assert.Equal(t, 10, st.MaxSize)
}

func TestHealthAndReadiness(t *testing.T) {
	engine := &fakeEngine{}
	srv := newServer(t, engine, events.NewManager(events.Config{}))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	engine.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// readFrames collects SSE frames (blank-line separated) until n frames
// carrying an id have been read.
func readFrames(t *testing.T, r *bufio.Reader, n int) (retry string, frames []map[string]string) {
	t.Helper()
	cur := map[string]string{}
	for len(frames) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if _, ok := cur["id"]; ok {
				frames = append(frames, cur)
			}
			cur = map[string]string{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		k, v, _ := strings.Cut(line, ": ")
		if k == "retry" {
			retry = v
			continue
		}
		cur[k] = v
	}
	return retry, frames
}

func TestStreamEvents_HistoryThenLive(t *testing.T) {
	mgr := events.NewManager(events.Config{})
	mgr.Publish(events.TopicTask, events.TypeTaskEnqueued, map[string]string{"task_id": "a"})
	mgr.Publish(events.TopicBreaker, events.TypeBreakerStateChanged, map[string]string{"domain": "voice"})
	mgr.Publish(events.TopicTask, events.TypeTaskCompleted, map[string]string{"task_id": "a"})
	srv := newServer(t, &fakeEngine{}, mgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?topics=task", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	retry, frames := readFrames(t, reader, 1)
	assert.Equal(t, "3000", retry)
	assert.Equal(t, "3", frames[0]["id"], "resumes after Last-Event-ID and skips other topics")
	assert.Equal(t, events.TypeTaskCompleted, frames[0]["event"])

	require.Eventually(t, func() bool { return mgr.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	mgr.Publish(events.TopicBreaker, events.TypeBreakerStateChanged, nil)
	mgr.Publish(events.TopicTask, events.TypeTaskFailed, map[string]string{"task_id": "b"})

	_, live := readFrames(t, reader, 1)
	assert.Equal(t, "5", live[0]["id"])
	assert.JSONEq(t, `{"task_id":"b"}`, live[0]["data"])
}

func TestStreamEvents_UnsubscribesOnDisconnect(t *testing.T) {
	mgr := events.NewManager(events.Config{})
	srv := newServer(t, &fakeEngine{}, mgr)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mgr.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	resp.Body.Close()
	require.Eventually(t, func() bool { return mgr.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
