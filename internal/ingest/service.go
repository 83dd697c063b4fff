// Package ingest validates telemetry records and writes them to the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/geo"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

// ErrInvalid wraps every record rejected by validation.
var ErrInvalid = errors.New("invalid record")

// Stream names used in logs and metrics.
const (
	StreamDevices      = "devices"
	StreamSessions     = "sessions"
	StreamEvents       = "events"
	StreamTransactions = "transactions"
	StreamProgression  = "progression"
	StreamPerformance  = "performance"
)

const attemptStripes = 64

// Service is the only write path into the store.
type Service struct {
	store   storage.Store
	geo     geo.Resolver
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	// attemptLocks serialize the monotonic attempts check per player and
	// level within this process.
	attemptLocks [attemptStripes]sync.Mutex
}

type Option func(*Service)

// WithGeo fills Device.Country from the client IP when it is missing.
func WithGeo(r geo.Resolver) Option {
	return func(s *Service) { s.geo = r }
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
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) reject(stream string, err error) error {
	s.metrics.RecordReject(stream, "validation")
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

func (s *Service) failed(stream string, err error) error {
	reason := "store"
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		reason = "duplicate"
	case errors.Is(err, storage.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, storage.ErrSessionClosed):
		reason = "closed"
	}
	s.metrics.RecordReject(stream, reason)
	return err
}

// registerGame creates the game row on its first record.
func (s *Service) registerGame(ctx context.Context, gameID string) error {
	if err := s.store.RegisterGame(ctx, gameID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to register game: %w", err)
	}
	return nil
}

// =============================================
// Devices
// =============================================

// RegisterDevice stores a device the first time its (game, device) pair is
// seen and reports whether it was new. Later writes are ignored.
func (s *Service) RegisterDevice(ctx context.Context, d *models.Device) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, s.reject(StreamDevices, err)
	}
	if err := s.registerGame(ctx, d.GameID); err != nil {
		return false, err
	}
	if d.FirstSeen.IsZero() {
		d.FirstSeen = s.now().UTC()
	}
	d.Country = strings.ToUpper(strings.TrimSpace(d.Country))
	if d.Country == "" && d.IP != "" && s.geo != nil {
		d.Country = s.lookupCountry(d.IP)
	}

	created, err := s.store.InsertDevice(ctx, d)
	if err != nil {
		return false, s.failed(StreamDevices, err)
	}
	if created {
		s.metrics.RecordIngest(StreamDevices, 1)
	}
	return created, nil
}

func (s *Service) lookupCountry(ip string) string {
	start := time.Now()
	country, err := s.geo.Country(ip)
	s.metrics.RecordGeoLookup(err == nil, time.Since(start))
	if err != nil {
		s.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	return country
}

// =============================================
// Sessions
// =============================================

// StartSession stores a new session, assigning an id when none is given.
func (s *Service) StartSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess.ID == "" {
		sess.ID = s.newID()
	}
	sess.StartTime = sess.StartTime.UTC()
	if sess.EndTime != nil {
		// A session that arrives closed gets its duration derived.
		end := *sess.EndTime
		sess.EndTime = nil
		if err := sess.Close(end); err != nil {
			return nil, s.reject(StreamSessions, err)
		}
	}
	if err := sess.Validate(); err != nil {
		return nil, s.reject(StreamSessions, err)
	}
	if err := s.registerGame(ctx, sess.GameID); err != nil {
		return nil, err
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, s.failed(StreamSessions, err)
	}
	s.metrics.RecordIngest(StreamSessions, 1)
	return sess, nil
}

// CloseSession sets the end time of an open session.
func (s *Service) CloseSession(ctx context.Context, gameID, sessionID string, end time.Time) (*models.Session, error) {
	if gameID == "" || sessionID == "" {
		return nil, s.reject(StreamSessions, errors.New("game_id and session_id are required"))
	}
	if end.IsZero() {
		return nil, s.reject(StreamSessions, errors.New("end_time is required"))
	}
	cur, err := s.store.GetSession(ctx, gameID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if cur == nil {
		return nil, s.failed(StreamSessions, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound))
	}
	if end.Before(cur.StartTime) {
		return nil, s.reject(StreamSessions, errors.New("end_time must not be before start_time"))
	}
	sess, err := s.store.CloseSession(ctx, gameID, sessionID, end.UTC())
	if err != nil {
		return nil, s.failed(StreamSessions, err)
	}
	return sess, nil
}

// =============================================
// Events
// =============================================

// RecordEvents validates the whole batch before writing any of it.
func (s *Service) RecordEvents(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	games := make(map[string]struct{})
	for i, e := range events {
		if e == nil {
			return 0, s.reject(StreamEvents, fmt.Errorf("event %d is nil", i))
		}
		if e.ID == "" {
			e.ID = s.newID()
		}
		e.Timestamp = e.Timestamp.UTC()
		if err := e.Validate(); err != nil {
			return 0, s.reject(StreamEvents, fmt.Errorf("event %d: %w", i, err))
		}
		games[e.GameID] = struct{}{}
	}
	for gameID := range games {
		if err := s.registerGame(ctx, gameID); err != nil {
			return 0, err
		}
	}
	if err := s.store.InsertEvents(ctx, events); err != nil {
		return 0, s.failed(StreamEvents, err)
	}
	s.metrics.RecordIngest(StreamEvents, len(events))
	return len(events), nil
}

// =============================================
// Transactions
// =============================================

func (s *Service) RecordTransaction(ctx context.Context, t *models.MonetizationTransaction) (*models.MonetizationTransaction, error) {
	if t.ID == "" {
		t.ID = s.newID()
	}
	t.Currency = strings.ToUpper(strings.TrimSpace(t.Currency))
	t.Timestamp = t.Timestamp.UTC()
	if err := t.Validate(); err != nil {
		return nil, s.reject(StreamTransactions, err)
	}
	if err := s.registerGame(ctx, t.GameID); err != nil {
		return nil, err
	}
	if err := s.store.InsertTransaction(ctx, t); err != nil {
		return nil, s.failed(StreamTransactions, err)
	}
	s.metrics.RecordIngest(StreamTransactions, 1)
	return t, nil
}

// =============================================
// Progression
// =============================================

func (s *Service) attemptLock(p *models.ProgressionAttempt) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s\x00%s\x00%d", p.GameID, p.PlayerID, p.LevelNumber)
	return &s.attemptLocks[h.Sum32()%attemptStripes]
}

// RecordProgression stores an attempt. Attempts must never decrease for a
// player and level.
func (s *Service) RecordProgression(ctx context.Context, p *models.ProgressionAttempt) (*models.ProgressionAttempt, error) {
	if p.ID == "" {
		p.ID = s.newID()
	}
	p.StartTime = p.StartTime.UTC()
	if err := p.Validate(); err != nil {
		return nil, s.reject(StreamProgression, err)
	}
	if err := s.registerGame(ctx, p.GameID); err != nil {
		return nil, err
	}

	mu := s.attemptLock(p)
	mu.Lock()
	defer mu.Unlock()

	prev, err := s.store.MaxAttempts(ctx, p.GameID, p.PlayerID, p.LevelNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}
	if p.Attempts < prev {
		return nil, s.reject(StreamProgression,
			fmt.Errorf("attempts %d is below the %d already recorded for level %d", p.Attempts, prev, p.LevelNumber))
	}
	if err := s.store.InsertProgression(ctx, p); err != nil {
		return nil, s.failed(StreamProgression, err)
	}
	s.metrics.RecordIngest(StreamProgression, 1)
	return p, nil
}

// =============================================
// Performance
// =============================================

// RecordPerformance folds one reading into its daily row.
func (s *Service) RecordPerformance(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	if err := r.Validate(); err != nil {
		return nil, s.reject(StreamPerformance, err)
	}
	if err := s.registerGame(ctx, r.GameID); err != nil {
		return nil, err
	}
	start := time.Now()
	sample, err := s.store.FoldPerformance(ctx, r)
	s.metrics.RecordFold(err == nil, time.Since(start))
	if err != nil {
		return nil, s.failed(StreamPerformance, fmt.Errorf("failed to fold performance reading: %w", err))
	}
	s.metrics.RecordIngest(StreamPerformance, 1)
	return sample, nil
}
