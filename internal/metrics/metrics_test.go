package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulqueue/internal/domain"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.CycleFinished("ok", 10*time.Millisecond)
	m.CycleFinished("ok", 20*time.Millisecond)
	m.CycleFinished("fetch_error", time.Millisecond)
	m.Transitioned(domain.StatusCompleted)
	m.MissingFailure("missing")
	m.PostProcessed("ok")
	m.CleanupFinished("gave_up")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("fetch_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.missingFailures.WithLabelValues("missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.postProcess.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanup.WithLabelValues("gave_up")))
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetQueue(3, 7)
	m.SetMode("active")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeItems))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.finishedItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollMode.WithLabelValues("active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pollMode.WithLabelValues("idle")))

	m.SetMode("bulk_pause")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pollMode.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollMode.WithLabelValues("bulk_pause")))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Transitioned(domain.StatusFailed)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.transitions.WithLabelValues("failed")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/api/queue", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "soulqueue_api_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/api/queue"`)
}
