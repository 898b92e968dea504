package telemetry_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

func TestMetricsHandler_Readyz(t *testing.T) {
	var ready atomic.Bool
	h := telemetry.MetricsHandler(ready.Load)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsHandler_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	telemetry.MetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsHandler_ExposesOffloadMetrics(t *testing.T) {
	telemetry.TasksProcessed.WithLabelValues("completed").Inc()
	telemetry.QueueSize.Set(3)
	telemetry.CircuitBreakerState.WithLabelValues("voice").Set(2)

	rec := httptest.NewRecorder()
	telemetry.MetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "offload_tasks_processed_total"))
	assert.True(t, strings.Contains(body, `offload_circuit_breaker_state{domain="voice"} 2`))
	assert.Equal(t, float64(3), testutil.ToFloat64(telemetry.QueueSize))
}
