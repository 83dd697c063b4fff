package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics service.
type Metrics struct {
	// Query metrics
	QueryRequests *prometheus.CounterVec
	QueryLatency  *prometheus.HistogramVec
	MetricResults *prometheus.CounterVec
	MetricLatency *prometheus.HistogramVec

	// Ingestion metrics
	IngestedRecords *prometheus.CounterVec
	RejectedRecords *prometheus.CounterVec
	PerformanceFold *prometheus.HistogramVec
	ConsumerLag     *prometheus.GaugeVec

	// Segment metrics
	SegmentRecomputes       *prometheus.CounterVec
	SegmentRecomputeLatency *prometheus.HistogramVec

	// System metrics
	HTTPRequests  *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
	RateLimitHits *prometheus.CounterVec

	// Geo metrics
	GeoLookupLatency *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry.
func NewMetrics(namespace string) *Metrics {
	m := NewMetricsWith(namespace, prometheus.DefaultRegisterer)
	m.gatherer = prometheus.DefaultGatherer
	return m
}

// NewMetricsWith registers the metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		// Query metrics
		QueryRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_requests_total",
				Help:      "Analytics queries by outcome",
			},
			[]string{"status"},
		),
		QueryLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_latency_seconds",
				Help:      "End-to-end analytics query latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		MetricResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_results_total",
				Help:      "Per-metric aggregation outcomes",
			},
			[]string{"metric", "status", "kind"},
		),
		MetricLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "metric_latency_seconds",
				Help:      "Per-metric aggregation latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"metric"},
		),

		// Ingestion metrics
		IngestedRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingested_records_total",
				Help:      "Accepted telemetry records by stream",
			},
			[]string{"stream"},
		),
		RejectedRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_records_total",
				Help:      "Rejected telemetry records by stream and reason",
			},
			[]string{"stream", "reason"},
		),
		PerformanceFold: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "performance_fold_seconds",
				Help:      "Latency of folding one performance reading",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"status"},
		),
		ConsumerLag: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consumer_lag_messages",
				Help:      "Kafka consumer lag",
			},
			[]string{"topic"},
		),

		// Segment metrics
		SegmentRecomputes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segment_recomputes_total",
				Help:      "Segment recomputes by outcome",
			},
			[]string{"status"},
		),
		SegmentRecomputeLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_recompute_seconds",
				Help:      "Segment recompute duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		// System metrics
		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"},
		),
		HTTPRequests: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route and status code",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),

		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),

		// Geo metrics
		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"status"},
		),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordQuery records an analytics query.
func (m *Metrics) RecordQuery(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(status).Inc()
	m.QueryLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordMetric records the outcome of one metric inside a query.
func (m *Metrics) RecordMetric(metric, status, kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.MetricResults.WithLabelValues(metric, status, kind).Inc()
	m.MetricLatency.WithLabelValues(metric).Observe(latency.Seconds())
}

// RecordIngest records accepted records of a stream.
func (m *Metrics) RecordIngest(stream string, n int) {
	if m == nil {
		return
	}
	m.IngestedRecords.WithLabelValues(stream).Add(float64(n))
}

// RecordReject records a rejected record.
func (m *Metrics) RecordReject(stream, reason string) {
	if m == nil {
		return
	}
	m.RejectedRecords.WithLabelValues(stream, reason).Inc()
}

// RecordFold records a performance fold.
func (m *Metrics) RecordFold(ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.PerformanceFold.WithLabelValues(statusLabel(ok)).Observe(latency.Seconds())
}

// SetConsumerLag updates the consumer lag gauge.
func (m *Metrics) SetConsumerLag(topic string, lag int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.WithLabelValues(topic).Set(float64(lag))
}

// RecordSegmentRecompute records a segment recompute.
func (m *Metrics) RecordSegmentRecompute(status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.SegmentRecomputes.WithLabelValues(status).Inc()
	m.SegmentRecomputeLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.GeoLookupLatency.WithLabelValues(statusLabel(ok)).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(route string, code int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Observe(latency.Seconds())
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
