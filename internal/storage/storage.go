package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/perf"
)

// InMemoryStore keeps every stream in memory. Rows are copied on the way in
// and on the way out so callers never share memory with the store.
type InMemoryStore struct {
	mu           sync.RWMutex
	games        map[string]*models.Game
	devices      map[string]*models.Device
	sessions     map[string]*models.Session
	sessionOrder []string
	events       []*models.Event
	transactions map[string]*models.MonetizationTransaction
	txOrder      []string
	progression  []*models.ProgressionAttempt
	segments     map[string]*models.PlayerSegment

	perf *perf.Accumulator
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		games:        make(map[string]*models.Game),
		devices:      make(map[string]*models.Device),
		sessions:     make(map[string]*models.Session),
		transactions: make(map[string]*models.MonetizationTransaction),
		segments:     make(map[string]*models.PlayerSegment),
		perf:         perf.NewAccumulator(),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

func (s *InMemoryStore) Ping(context.Context) error { return nil }

// =============================================
// Games
// =============================================

func (s *InMemoryStore) RegisterGame(_ context.Context, gameID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.games[gameID]; !ok {
		s.games[gameID] = &models.Game{ID: gameID, CreatedAt: at.UTC()}
	}
	return nil
}

func (s *InMemoryStore) GetGame(_ context.Context, gameID string) (*models.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *InMemoryStore) ListGames(context.Context) ([]*models.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.Game, 0, len(s.games))
	for _, g := range s.games {
		cp := *g
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// =============================================
// Devices
// =============================================

func (s *InMemoryStore) InsertDevice(_ context.Context, d *models.Device) (bool, error) {
	k := pairKey(d.GameID, d.DeviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[k]; ok {
		return false, nil
	}
	cp := *d
	cp.IP = ""
	s.devices[k] = &cp
	return true, nil
}

func (s *InMemoryStore) GetDevice(_ context.Context, gameID, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[pairKey(gameID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *InMemoryStore) ListDevices(_ context.Context, gameID string) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.Device, 0)
	for _, d := range s.devices {
		if d.GameID == gameID {
			cp := *d
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DeviceID < res[j].DeviceID })
	return res, nil
}

// =============================================
// Sessions
// =============================================

func copySession(src *models.Session) *models.Session {
	cp := *src
	if src.EndTime != nil {
		t := *src.EndTime
		cp.EndTime = &t
	}
	if src.DurationSeconds != nil {
		d := *src.DurationSeconds
		cp.DurationSeconds = &d
	}
	return &cp
}

func (s *InMemoryStore) InsertSession(_ context.Context, sess *models.Session) error {
	k := pairKey(sess.GameID, sess.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[k]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrDuplicate)
	}
	s.sessions[k] = copySession(sess)
	s.sessionOrder = append(s.sessionOrder, k)
	return nil
}

func (s *InMemoryStore) CloseSession(_ context.Context, gameID, sessionID string, end time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[pairKey(gameID, sessionID)]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if sess.Closed() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	if err := sess.Close(end); err != nil {
		return nil, err
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) GetSession(_ context.Context, gameID, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[pairKey(gameID, sessionID)]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, gameID string, r TimeRange) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.Session, 0)
	for _, k := range s.sessionOrder {
		sess := s.sessions[k]
		if sess.GameID == gameID && r.Contains(sess.StartTime) {
			res = append(res, copySession(sess))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].StartTime.Before(res[j].StartTime) })
	return res, nil
}

func (s *InMemoryStore) ListFirstSessions(_ context.Context, gameID string, r TimeRange) ([]*models.Session, error) {
	s.mu.RLock()
	first := make(map[string]*models.Session)
	for _, k := range s.sessionOrder {
		sess := s.sessions[k]
		if sess.GameID != gameID {
			continue
		}
		if cur, ok := first[sess.PlayerID]; !ok || sess.StartTime.Before(cur.StartTime) {
			first[sess.PlayerID] = sess
		}
	}
	res := make([]*models.Session, 0, len(first))
	for _, sess := range first {
		if r.Contains(sess.StartTime) {
			res = append(res, copySession(sess))
		}
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if !res[i].StartTime.Equal(res[j].StartTime) {
			return res[i].StartTime.Before(res[j].StartTime)
		}
		return res[i].PlayerID < res[j].PlayerID
	})
	return res, nil
}

// =============================================
// Events
// =============================================

func copyEvent(e *models.Event) *models.Event {
	cp := *e
	if e.Parameters != nil {
		cp.Parameters = make(map[string]any, len(e.Parameters))
		for k, v := range e.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

func (s *InMemoryStore) InsertEvents(_ context.Context, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.events = append(s.events, copyEvent(e))
	}
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, gameID string, r TimeRange) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.Event, 0)
	for _, e := range s.events {
		if e.GameID == gameID && r.Contains(e.Timestamp) {
			res = append(res, copyEvent(e))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

// =============================================
// Transactions
// =============================================

func (s *InMemoryStore) InsertTransaction(_ context.Context, t *models.MonetizationTransaction) error {
	k := pairKey(t.GameID, t.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[k]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrDuplicate)
	}
	cp := *t
	s.transactions[k] = &cp
	s.txOrder = append(s.txOrder, k)
	return nil
}

func (s *InMemoryStore) ListTransactions(_ context.Context, gameID string, r TimeRange) ([]*models.MonetizationTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.MonetizationTransaction, 0)
	for _, k := range s.txOrder {
		t := s.transactions[k]
		if t.GameID == gameID && r.Contains(t.Timestamp) {
			cp := *t
			res = append(res, &cp)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

// =============================================
// Progression
// =============================================

func copyAttempt(p *models.ProgressionAttempt) *models.ProgressionAttempt {
	cp := *p
	if p.EndTime != nil {
		t := *p.EndTime
		cp.EndTime = &t
	}
	return &cp
}

func (s *InMemoryStore) InsertProgression(_ context.Context, p *models.ProgressionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progression = append(s.progression, copyAttempt(p))
	return nil
}

func (s *InMemoryStore) MaxAttempts(_ context.Context, gameID, playerID string, level int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, p := range s.progression {
		if p.GameID == gameID && p.PlayerID == playerID && p.LevelNumber == level && p.Attempts > max {
			max = p.Attempts
		}
	}
	return max, nil
}

func (s *InMemoryStore) ListProgression(_ context.Context, gameID string, r TimeRange) ([]*models.ProgressionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.ProgressionAttempt, 0)
	for _, p := range s.progression {
		if p.GameID == gameID && r.Contains(p.StartTime) {
			res = append(res, copyAttempt(p))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].StartTime.Before(res[j].StartTime) })
	return res, nil
}

// =============================================
// Performance
// =============================================

func (s *InMemoryStore) FoldPerformance(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	return s.perf.Fold(ctx, r)
}

func (s *InMemoryStore) ListPerformance(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error) {
	return s.perf.List(ctx, gameID, from, to)
}

// =============================================
// Segments
// =============================================

func copySegment(src *models.PlayerSegment) *models.PlayerSegment {
	cp := *src
	cp.Criteria = append([]byte(nil), src.Criteria...)
	if src.RefreshedAt != nil {
		t := *src.RefreshedAt
		cp.RefreshedAt = &t
	}
	return &cp
}

func (s *InMemoryStore) UpsertSegment(_ context.Context, seg *models.PlayerSegment) error {
	k := pairKey(seg.GameID, seg.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := copySegment(seg)
	if cur, ok := s.segments[k]; ok {
		next.PlayerCount = cur.PlayerCount
		next.RefreshedAt = cur.RefreshedAt
		next.CreatedAt = cur.CreatedAt
	}
	s.segments[k] = next
	return nil
}

func (s *InMemoryStore) GetSegment(_ context.Context, gameID, name string) (*models.PlayerSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[pairKey(gameID, name)]
	if !ok {
		return nil, nil
	}
	return copySegment(seg), nil
}

func (s *InMemoryStore) ListSegments(_ context.Context, gameID string) ([]*models.PlayerSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*models.PlayerSegment, 0)
	for _, seg := range s.segments {
		if seg.GameID == gameID {
			res = append(res, copySegment(seg))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (s *InMemoryStore) CommitSegmentCount(_ context.Context, gameID, name string, count int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[pairKey(gameID, name)]
	if !ok {
		return fmt.Errorf("segment %s: %w", name, ErrNotFound)
	}
	at = at.UTC()
	seg.PlayerCount = count
	seg.RefreshedAt = &at
	return nil
}
