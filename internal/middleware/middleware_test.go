package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthMiddleware(config.AuthConfig{
		Enabled:   true,
		APIKeys:   []string{"first", "second"},
		SkipPaths: []string{"/health", "/metrics"},
	}, zap.NewNop())
	h := auth.Handler(okHandler)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no key", "/v1/query", "", http.StatusUnauthorized},
		{"wrong key", "/v1/query", "nope", http.StatusUnauthorized},
		{"first key", "/v1/query", "first", http.StatusNoContent},
		{"second key", "/v1/segments", "second", http.StatusNoContent},
		{"skipped path", "/health", "", http.StatusNoContent},
		{"prefix is not a skip", "/healthz", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(AuthHeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/query?api_key=first", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimitSeparatesIngestAndQuery(t *testing.T) {
	m := metrics.NewMetricsWith("test", prometheus.NewRegistry())
	rl := NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled: true, RPS: 0.001, Burst: 1, IngestRPS: 0.001, IngestBurst: 2,
	}, zap.NewNop())
	rl.SetMetrics(m)
	h := rl.Handler(okHandler)

	do := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("/v1/query"))
	assert.Equal(t, http.StatusTooManyRequests, do("/v1/query"))
	assert.Equal(t, http.StatusNoContent, do("/v1/ingest/events"))
	assert.Equal(t, http.StatusNoContent, do("/v1/ingest/events"))
	assert.Equal(t, http.StatusTooManyRequests, do("/v1/ingest/events"))
	assert.Equal(t, http.StatusNoContent, do("/health"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitHits.WithLabelValues("/v1/query")))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewRecoveryMiddleware(zap.NewNop()).Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/query", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okHandler, mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLoggingMiddlewareTagsRequests(t *testing.T) {
	m := metrics.NewMetricsWith("test", prometheus.NewRegistry())
	lm := NewLoggingMiddleware(zap.NewNop())
	lm.SetMetrics(m)

	var seen string
	h := lm.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDContextKey).(string)
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/wp-admin", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	// one series for /v1/query and one for the collapsed unknown route
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequests))
}

func TestPerIPLimitSkipsIngest(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 0.01, Burst: 10}, zap.NewNop())
	h := rl.HandlerPerIP(okHandler)

	do := func(path, ip string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, do("/v1/query", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("/v1/query", "1.1.1.1"))
	assert.Equal(t, http.StatusNoContent, do("/v1/query", "2.2.2.2"))
	assert.Equal(t, http.StatusNoContent, do("/v1/ingest/events", "1.1.1.1"))

	rl.CleanupIPLimiters()
	assert.Equal(t, http.StatusNoContent, do("/v1/query", "1.1.1.1"))
}
