package query

import (
	"context"
	"errors"
	"sort"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/analytics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// Metric names accepted in a request.
const (
	MetricDAU               = "dau"
	MetricWAU               = "wau"
	MetricMAU               = "mau"
	MetricActiveUsers       = "active_users"
	MetricNewPlayers        = "new_players"
	MetricRetention         = "retention"
	MetricRevenue           = "revenue"
	MetricRevenueByProduct  = "revenue_by_product"
	MetricRevenueByPlatform = "revenue_by_platform"
	MetricTopEvents         = "top_events"
	MetricPerformance       = "performance"
	MetricSessionDuration   = "session_duration"
	MetricProgression       = "progression"
)

// Error kinds reported for a single failed metric.
const (
	KindInconsistentCurrency = "InconsistentCurrency"
	KindTimeout              = "Timeout"
	KindCancelled            = "Cancelled"
	KindInternal             = "Internal"
)

// aggregator computes one metric from a loaded snapshot.
type aggregator func(s *snapshot) (*MetricResult, error)

var registry = map[string]aggregator{
	MetricDAU:               activeSeries(func(d analytics.ActiveDay) int { return d.DAU }),
	MetricWAU:               activeSeries(func(d analytics.ActiveDay) int { return d.WAU }),
	MetricMAU:               activeSeries(func(d analytics.ActiveDay) int { return d.MAU }),
	MetricActiveUsers:       activeUsers,
	MetricNewPlayers:        newPlayers,
	MetricRetention:         retention,
	MetricRevenue:           revenue,
	MetricRevenueByProduct:  revenueGroups(analytics.RevenueByProduct),
	MetricRevenueByPlatform: revenueGroups(analytics.RevenueByPlatform),
	MetricTopEvents:         topEvents,
	MetricPerformance:       performance,
	MetricSessionDuration:   sessionDuration,
	MetricProgression:       progression,
}

// Names returns every supported metric, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func ok(buckets, groups, summary any) *MetricResult {
	return &MetricResult{Status: StatusOK, Buckets: buckets, Groups: groups, Summary: summary}
}

// activeSeries projects one count out of the shared daily active-user pass.
// These metrics are always daily, whatever the requested granularity.
func activeSeries(pick func(analytics.ActiveDay) int) aggregator {
	return func(s *snapshot) (*MetricResult, error) {
		days := s.activeDays()
		out := make([]analytics.CountPoint, len(days))
		for i, d := range days {
			out[i] = analytics.CountPoint{Key: d.Date, Count: int64(pick(d))}
		}
		return ok(out, nil, nil), nil
	}
}

func activeUsers(s *snapshot) (*MetricResult, error) {
	return ok(analytics.ActiveUsers(s.sessions, s.events, s.window), nil, nil), nil
}

func newPlayers(s *snapshot) (*MetricResult, error) {
	series := analytics.NewPlayers(s.firstSessions, s.window)
	var total int64
	for _, p := range series {
		total += p.Count
	}
	return ok(series, nil, map[string]int64{"total": total}), nil
}

func retention(s *snapshot) (*MetricResult, error) {
	maxOffset := analytics.DefaultMaxOffset
	if s.plan.filters.MaxOffset != nil {
		maxOffset = *s.plan.filters.MaxOffset
	}
	return ok(nil, analytics.Retention(s.firstSessions, s.sessions, s.window, maxOffset), nil), nil
}

func revenue(s *snapshot) (*MetricResult, error) {
	res, err := analytics.Revenue(s.transactions, s.window, s.plan.filters.Currency)
	if err != nil {
		return nil, err
	}
	return ok(res.Series, res.ByPlatform, res.Summary), nil
}

type groupFunc func(txs []*models.MonetizationTransaction, w analytics.Window, currency string) ([]analytics.MoneyGroup, string, error)

func revenueGroups(fn groupFunc) aggregator {
	return func(s *snapshot) (*MetricResult, error) {
		groups, cur, err := fn(s.transactions, s.window, s.plan.filters.Currency)
		if err != nil {
			return nil, err
		}
		return ok(nil, groups, map[string]string{"currency": cur}), nil
	}
}

func topEvents(s *snapshot) (*MetricResult, error) {
	n := analytics.DefaultTopN
	if s.plan.filters.TopN != nil {
		n = *s.plan.filters.TopN
	}
	res := analytics.TopEvents(s.events, s.window, n, s.plan.filters.EventType)
	return ok(res.Series, res.Top, map[string]int64{"total": res.Total}), nil
}

func performance(s *snapshot) (*MetricResult, error) {
	res := analytics.Performance(s.performance, s.window)
	return ok(res.Series, res.Devices, nil), nil
}

func sessionDuration(s *snapshot) (*MetricResult, error) {
	res := analytics.SessionDuration(s.sessions, s.window)
	return ok(res.Series, nil, res.Summary), nil
}

func progression(s *snapshot) (*MetricResult, error) {
	return ok(nil, analytics.Progression(s.progression, s.window), nil), nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, analytics.ErrInconsistentCurrency):
		return KindInconsistentCurrency
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}
