package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

var (
	ErrUnknownGame     = errors.New("unknown game")
	ErrSegmentNotFound = errors.New("segment not found")
)

// checkEvery is how many snapshots are evaluated between context checks.
const checkEvery = 1024

// CountCache shares committed segment counts between service instances.
type CountCache interface {
	GetCount(ctx context.Context, gameID, name string) (count int64, refreshedAt time.Time, ok bool, err error)
	SetCount(ctx context.Context, gameID, name string, count int64, refreshedAt time.Time) error
}

// Service manages segment definitions and recomputes their counts.
type Service struct {
	store   storage.Store
	cache   CountCache
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	flights singleflight.Group
	shares  map[string]*scanShare
}

// scanShare is the context of a shared recompute scan. The scan is cancelled
// only once every caller waiting on it has gone.
type scanShare struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Service.
type Option func(*Service)

func WithCountCache(c CountCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
		shares: make(map[string]*scanShare),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) requireGame(ctx context.Context, gameID string) error {
	g, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	return nil
}

// Define creates or replaces a segment's criteria. The cached count of an
// existing segment is left untouched until the next recompute.
func (s *Service) Define(ctx context.Context, gameID, name string, criteria []byte) (*models.PlayerSegment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: segment_name is required", ErrMalformedCriteria)
	}
	c, err := Parse(criteria)
	if err != nil {
		return nil, err
	}
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	if unknown := UnknownFields(c); len(unknown) > 0 {
		s.logger.Warn("segment criteria reference unknown fields; those leaves never match",
			zap.String("game_id", gameID),
			zap.String("segment", name),
			zap.Strings("fields", unknown),
		)
	}

	canonical, err := Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode criteria: %w", err)
	}
	seg := &models.PlayerSegment{
		GameID:    gameID,
		Name:      name,
		Criteria:  canonical,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.UpsertSegment(ctx, seg); err != nil {
		return nil, err
	}
	return s.Get(ctx, gameID, name)
}

// Get returns a segment with its last committed count. A shared count cache,
// when configured, wins over the stored count if it is newer.
func (s *Service) Get(ctx context.Context, gameID, name string) (*models.PlayerSegment, error) {
	seg, err := s.store.GetSegment(ctx, gameID, name)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	s.overlayCachedCount(ctx, seg)
	return seg, nil
}

func (s *Service) List(ctx context.Context, gameID string) ([]*models.PlayerSegment, error) {
	segs, err := s.store.ListSegments(ctx, gameID)
	if err != nil {
		return nil, err
	}
	for _, seg := range segs {
		s.overlayCachedCount(ctx, seg)
	}
	return segs, nil
}

func (s *Service) overlayCachedCount(ctx context.Context, seg *models.PlayerSegment) {
	if s.cache == nil {
		return
	}
	count, at, ok, err := s.cache.GetCount(ctx, seg.GameID, seg.Name)
	if err != nil {
		s.logger.Warn("segment count cache read failed", zap.String("segment", seg.Name), zap.Error(err))
		return
	}
	if ok && (seg.RefreshedAt == nil || at.After(*seg.RefreshedAt)) {
		seg.PlayerCount = count
		seg.RefreshedAt = &at
	}
}

// Recompute rebuilds every player snapshot of the game, re-evaluates the
// segment and commits the new count. Readers see the previous count until
// the commit. Concurrent recomputes of the same segment share one scan. A
// caller whose ctx ends returns ctx.Err() at once; the scan itself is
// aborted when the last waiting caller leaves.
func (s *Service) Recompute(ctx context.Context, gameID, name string) (int64, error) {
	key := gameID + "\x00" + name

	s.mu.Lock()
	sh, ok := s.shares[key]
	if !ok {
		scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sh = &scanShare{ctx: scanCtx, cancel: cancel}
		s.shares[key] = sh
	}
	sh.waiters++
	ch := s.flights.DoChan(key, func() (any, error) {
		return s.recompute(sh.ctx, gameID, name)
	})
	s.mu.Unlock()
	defer s.leave(key, sh)

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil
	}
}

func (s *Service) leave(key string, sh *scanShare) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh.waiters--
	if sh.waiters > 0 {
		return
	}
	sh.cancel()
	delete(s.shares, key)
	// A scan being torn down must not be joined by the next caller.
	s.flights.Forget(key)
}

func (s *Service) recompute(ctx context.Context, gameID, name string) (int64, error) {
	start := time.Now()
	count, err := s.scan(ctx, gameID, name)
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordSegmentRecompute(status, time.Since(start))
	if err != nil {
		s.logger.Warn("segment recompute failed",
			zap.String("game_id", gameID),
			zap.String("segment", name),
			zap.String("status", status),
			zap.Error(err),
		)
		return 0, err
	}
	s.logger.Info("segment recomputed",
		zap.String("game_id", gameID),
		zap.String("segment", name),
		zap.Int64("count", count),
		zap.Duration("duration", time.Since(start)),
	)
	return count, nil
}

func (s *Service) scan(ctx context.Context, gameID, name string) (int64, error) {
	seg, err := s.store.GetSegment(ctx, gameID, name)
	if err != nil {
		return 0, err
	}
	if seg == nil {
		return 0, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
	}
	c, err := Parse(seg.Criteria)
	if err != nil {
		return 0, err
	}

	asOf := s.now().UTC()
	snaps, err := s.Snapshots(ctx, gameID, asOf)
	if err != nil {
		return 0, err
	}
	count, err := countMatches(ctx, c, snaps)
	if err != nil {
		return 0, err
	}

	if err := s.store.CommitSegmentCount(ctx, gameID, name, count, asOf); err != nil {
		return 0, err
	}
	if s.cache != nil {
		if err := s.cache.SetCount(ctx, gameID, name, count, asOf); err != nil {
			s.logger.Warn("segment count cache write failed", zap.String("segment", name), zap.Error(err))
		}
	}
	return count, nil
}

func countMatches(ctx context.Context, c Criteria, snaps []*Snapshot) (int64, error) {
	var count int64
	for i, snap := range snaps {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if Evaluate(c, snap) {
			count++
		}
	}
	return count, nil
}

// Snapshots loads the full history of a game and builds player snapshots as
// of asOf.
func (s *Service) Snapshots(ctx context.Context, gameID string, asOf time.Time) ([]*Snapshot, error) {
	var r Records
	var err error
	if r.Sessions, err = s.store.ListSessions(ctx, gameID, storage.AllTime); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if r.Events, err = s.store.ListEvents(ctx, gameID, storage.AllTime); err != nil {
		return nil, err
	}
	if r.Transactions, err = s.store.ListTransactions(ctx, gameID, storage.AllTime); err != nil {
		return nil, err
	}
	if r.Progression, err = s.store.ListProgression(ctx, gameID, storage.AllTime); err != nil {
		return nil, err
	}
	if r.Devices, err = s.store.ListDevices(ctx, gameID); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return BuildSnapshots(r, asOf), nil
}

// PreviewResult is the outcome of evaluating ad-hoc criteria.
type PreviewResult struct {
	Players int64    `json:"players"`
	Matched int64    `json:"matched"`
	Sample  []string `json:"sample"`
}

// Preview evaluates criteria without storing them and returns the match
// count with up to limit matching player ids.
func (s *Service) Preview(ctx context.Context, gameID string, criteria []byte, limit int) (*PreviewResult, error) {
	c, err := Parse(criteria)
	if err != nil {
		return nil, err
	}
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	snaps, err := s.Snapshots(ctx, gameID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	res := &PreviewResult{Players: int64(len(snaps)), Sample: []string{}}
	for i, snap := range snaps {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !Evaluate(c, snap) {
			continue
		}
		res.Matched++
		if len(res.Sample) < limit {
			res.Sample = append(res.Sample, snap.PlayerID)
		}
	}
	return res, nil
}
