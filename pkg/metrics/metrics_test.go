package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("ntia", "completed", time.Second)
		m.DedupHit("ntia")
		m.TaskRetried()
		m.TaskExhausted()
		m.TaskBuried("terminal")
		m.Dispatched(3)
		m.Skipped("osv")
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveRun("ntia", "completed", 2*time.Second)
	m.ObserveRun("ntia", "failed", 0)
	m.DedupHit("ntia")
	m.TaskExhausted()
	m.Dispatched(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ntia", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("ntia", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupHits.WithLabelValues("ntia")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksExhausted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxDispatched))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TaskRetried()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "assessment_tasks_retried_total 1")
}
