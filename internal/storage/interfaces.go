package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

var (
	// ErrDuplicate is returned when a record with the same unique id exists.
	ErrDuplicate = errors.New("record already exists")

	// ErrNotFound is returned by mutations that target a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrSessionClosed is returned when closing an already closed session.
	ErrSessionClosed = errors.New("session already closed")
)

// TimeRange is the half-open UTC interval [From, To). A zero From or To
// leaves that side unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// AllTime is the unbounded range.
var AllTime = TimeRange{}

// Contains reports whether t lies in the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// =============================================
// GAME REPOSITORY
// =============================================

// GameRepo keeps the registry of known games.
type GameRepo interface {
	// RegisterGame records gameID if it is new. Registering twice is a no-op.
	RegisterGame(ctx context.Context, gameID string, at time.Time) error
	GetGame(ctx context.Context, gameID string) (*models.Game, error)
	ListGames(ctx context.Context) ([]*models.Game, error)
}

// =============================================
// DEVICE REPOSITORY
// =============================================

// DeviceRepo stores devices. Devices are written once.
type DeviceRepo interface {
	// InsertDevice stores d unless (GameID, DeviceID) already exists. It
	// reports whether the device was new.
	InsertDevice(ctx context.Context, d *models.Device) (bool, error)
	GetDevice(ctx context.Context, gameID, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context, gameID string) ([]*models.Device, error)
}

// =============================================
// SESSION REPOSITORY
// =============================================

type SessionRepo interface {
	InsertSession(ctx context.Context, s *models.Session) error
	// CloseSession sets end time and duration of an open session.
	CloseSession(ctx context.Context, gameID, sessionID string, end time.Time) (*models.Session, error)
	GetSession(ctx context.Context, gameID, sessionID string) (*models.Session, error)

	// ListSessions returns sessions starting in r ordered by start time.
	ListSessions(ctx context.Context, gameID string, r TimeRange) ([]*models.Session, error)

	// ListFirstSessions returns, for every player whose first-ever session
	// starts in r, that first session.
	ListFirstSessions(ctx context.Context, gameID string, r TimeRange) ([]*models.Session, error)
}

// =============================================
// EVENT REPOSITORY
// =============================================

type EventRepo interface {
	InsertEvents(ctx context.Context, events []*models.Event) error
	// ListEvents returns events with timestamp in r ordered by timestamp.
	ListEvents(ctx context.Context, gameID string, r TimeRange) ([]*models.Event, error)
}

// =============================================
// TRANSACTION REPOSITORY
// =============================================

type TransactionRepo interface {
	InsertTransaction(ctx context.Context, t *models.MonetizationTransaction) error
	ListTransactions(ctx context.Context, gameID string, r TimeRange) ([]*models.MonetizationTransaction, error)
}

// =============================================
// PROGRESSION REPOSITORY
// =============================================

type ProgressionRepo interface {
	InsertProgression(ctx context.Context, p *models.ProgressionAttempt) error
	// MaxAttempts returns the highest attempts value recorded for the player
	// on the level, or 0.
	MaxAttempts(ctx context.Context, gameID, playerID string, level int) (int, error)
	ListProgression(ctx context.Context, gameID string, r TimeRange) ([]*models.ProgressionAttempt, error)
}

// =============================================
// PERFORMANCE REPOSITORY
// =============================================

type PerformanceRepo interface {
	FoldPerformance(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error)
	// ListPerformance returns daily rows whose date lies in the inclusive
	// date range [from, to].
	ListPerformance(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error)
}

// =============================================
// SEGMENT REPOSITORY
// =============================================

type SegmentRepo interface {
	// UpsertSegment creates or replaces the criteria of a segment. The cached
	// count and refresh time of an existing segment are kept.
	UpsertSegment(ctx context.Context, s *models.PlayerSegment) error
	GetSegment(ctx context.Context, gameID, name string) (*models.PlayerSegment, error)
	ListSegments(ctx context.Context, gameID string) ([]*models.PlayerSegment, error)
	// CommitSegmentCount publishes a recomputed count.
	CommitSegmentCount(ctx context.Context, gameID, name string, count int64, at time.Time) error
}

// Store is the full record store used by ingestion, queries and segments.
type Store interface {
	GameRepo
	DeviceRepo
	SessionRepo
	EventRepo
	TransactionRepo
	ProgressionRepo
	PerformanceRepo
	SegmentRepo

	Ping(ctx context.Context) error
}
