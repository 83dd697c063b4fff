package query

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/analytics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/bucket"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type MetricError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MetricResult is the outcome of one metric. Only the parts a metric
// produces are set.
type MetricResult struct {
	Status  string       `json:"status"`
	Buckets any          `json:"buckets,omitempty"`
	Groups  any          `json:"groups,omitempty"`
	Summary any          `json:"summary,omitempty"`
	Error   *MetricError `json:"error,omitempty"`
}

type Response struct {
	GameID       string                   `json:"game_id"`
	Granularity  string                   `json:"granularity"`
	TimezoneMode string                   `json:"timezone_mode"`
	StartDate    string                   `json:"start_date"`
	EndDate      string                   `json:"end_date"`
	GeneratedAt  time.Time                `json:"generated_at"`
	Results      map[string]*MetricResult `json:"results"`
}

// Config bounds the work of one query.
type Config struct {
	// Timeout applies to each metric separately.
	Timeout      time.Duration
	MaxParallel  int
	MaxRangeDays int
}

func DefaultConfig() Config {
	return Config{
		Timeout:      10 * time.Second,
		MaxParallel:  4,
		MaxRangeDays: 366,
	}
}

// Engine answers analytics queries over a Store.
type Engine struct {
	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewEngine(store storage.Store, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	return &Engine{
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for GeneratedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run validates req, loads one snapshot and computes every requested metric.
// A ValidationError or ErrStoreUnavailable fails the whole query; any other
// failure is reported on the metric it belongs to.
func (e *Engine) Run(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := e.run(ctx, req)
	status := StatusOK
	switch {
	case IsValidation(err):
		status = "invalid"
	case err != nil:
		status = StatusError
	}
	e.metrics.RecordQuery(status, time.Since(start))
	return resp, err
}

func (e *Engine) run(ctx context.Context, req *Request) (*Response, error) {
	p, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	game, err := e.store.GetGame(ctx, p.gameID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if game == nil {
		return nil, invalid("unknown game_id %q", p.gameID)
	}

	snap, err := e.load(ctx, p)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		GameID:       p.gameID,
		Granularity:  string(p.granularity),
		TimezoneMode: p.mode.String(),
		StartDate:    p.start.Format(models.DateLayout),
		EndDate:      p.end.Format(models.DateLayout),
		GeneratedAt:  e.now().UTC(),
		Results:      e.dispatch(ctx, snap),
	}
	return resp, nil
}

// snapshot is every record one query reads, loaded once before fan-out.
// Aggregators only read it.
type snapshot struct {
	plan   *plan
	window analytics.Window

	sessions      []*models.Session
	firstSessions []*models.Session
	events        []*models.Event
	transactions  []*models.MonetizationTransaction
	progression   []*models.ProgressionAttempt
	performance   []*models.PerformanceSample

	activeOnce sync.Once
	active     []analytics.ActiveDay
}

// activeDays runs the daily active-user pass once for dau, wau and mau.
func (s *snapshot) activeDays() []analytics.ActiveDay {
	s.activeOnce.Do(func() {
		s.active = analytics.ActiveDays(s.sessions, s.events, s.window)
	})
	return s.active
}

// load reads only the streams the requested metrics need. Reads are widened
// so every record whose local date falls in the range is seen under any
// timezone mode, and by TrailingDays more when a trailing active-user metric
// is requested.
func (e *Engine) load(ctx context.Context, p *plan) (*snapshot, error) {
	s := &snapshot{
		plan:   p,
		window: analytics.NewWindow(p.start, p.end, p.mode, p.granularity),
	}

	from, to := bucket.ReadWindow(p.start, p.end)
	base := storage.TimeRange{From: from, To: to}
	activity := base
	if p.wants(MetricDAU, MetricWAU, MetricMAU) {
		activity.From = from.AddDate(0, 0, -analytics.TrailingDays)
	}

	g, gctx := errgroup.WithContext(ctx)
	if p.wants(MetricDAU, MetricWAU, MetricMAU, MetricActiveUsers, MetricNewPlayers, MetricRetention, MetricSessionDuration) {
		g.Go(func() (err error) {
			s.sessions, err = e.store.ListSessions(gctx, p.gameID, activity)
			return err
		})
	}
	if p.wants(MetricNewPlayers, MetricRetention) {
		g.Go(func() (err error) {
			s.firstSessions, err = e.store.ListFirstSessions(gctx, p.gameID, base)
			return err
		})
	}
	if p.wants(MetricDAU, MetricWAU, MetricMAU, MetricActiveUsers, MetricTopEvents) {
		g.Go(func() (err error) {
			s.events, err = e.store.ListEvents(gctx, p.gameID, activity)
			return err
		})
	}
	if p.wants(MetricRevenue, MetricRevenueByProduct, MetricRevenueByPlatform) {
		g.Go(func() (err error) {
			s.transactions, err = e.store.ListTransactions(gctx, p.gameID, base)
			return err
		})
	}
	if p.wants(MetricProgression) {
		g.Go(func() (err error) {
			s.progression, err = e.store.ListProgression(gctx, p.gameID, base)
			return err
		})
	}
	if p.wants(MetricPerformance) {
		g.Go(func() (err error) {
			s.performance, err = e.store.ListPerformance(gctx, p.gameID, p.start, p.end)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("query snapshot load failed", zap.String("game_id", p.gameID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if s.firstSessions != nil {
		s.firstSessions = analytics.EarliestLocal(s.firstSessions, s.sessions, s.window)
	}
	return s, nil
}

// dispatch runs the metrics with at most MaxParallel in flight. Each metric
// gets its own timeout; a metric that misses it is reported as Timeout while
// the others still complete.
func (e *Engine) dispatch(ctx context.Context, s *snapshot) map[string]*MetricResult {
	results := make(map[string]*MetricResult, len(s.plan.metrics))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, name := range s.plan.metrics {
		name := name
		g.Go(func() error {
			res := e.runMetric(ctx, name, s)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type outcome struct {
	res *MetricResult
	err error
}

func (e *Engine) runMetric(ctx context.Context, name string, s *snapshot) *MetricResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// Aggregators do not observe ctx; a timed-out one finishes in the
	// background and its result is dropped.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("metric aggregator panicked",
					zap.String("metric", name),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("aggregator panicked: %v", r)}
			}
		}()
		res, err := registry[name](s)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("metric %s: %w", name, ctx.Err())
	}

	if out.err != nil {
		kind := errorKind(out.err)
		e.metrics.RecordMetric(name, StatusError, kind, time.Since(start))
		e.logger.Warn("metric failed",
			zap.String("game_id", s.plan.gameID),
			zap.String("metric", name),
			zap.String("kind", kind),
			zap.Error(out.err),
		)
		return &MetricResult{Status: StatusError, Error: &MetricError{Kind: kind, Message: out.err.Error()}}
	}
	e.metrics.RecordMetric(name, StatusOK, "", time.Since(start))
	return out.res
}
