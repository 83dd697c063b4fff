package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith("aeon", reg)

	m.RecordIngest("events", 3)
	m.RecordReject("transactions", "validation")
	m.RecordMetric("dau", "ok", "", 10*time.Millisecond)
	m.RecordSegmentRecompute("ok", time.Second)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.IngestedRecords.WithLabelValues("events")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedRecords.WithLabelValues("transactions", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MetricResults.WithLabelValues("dau", "ok", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentRecomputes.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngest("events", 1)
		m.RecordQuery("ok", time.Millisecond)
		m.RecordRateLimitHit("/v1/query")
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith("aeon", reg)
	m.RecordQuery("ok", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "aeon_query_requests_total")
}
