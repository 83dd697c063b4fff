package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ===========================================
// GAME / PLAYER / DEVICE
// ===========================================

// Game is the partition every other record belongs to.
type Game struct {
	ID        string    `json:"game_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PlayerRef identifies a player inside a game.
type PlayerRef struct {
	GameID   string `json:"game_id"`
	PlayerID string `json:"player_id"`
}

// Device is created the first time a (game, device) pair is seen and is never
// updated afterwards.
type Device struct {
	GameID           string    `json:"game_id"`
	DeviceID         string    `json:"device_id"`
	Platform         string    `json:"platform"`
	OSVersion        string    `json:"os_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	ScreenResolution string    `json:"screen_resolution,omitempty"`
	Locale           string    `json:"locale,omitempty"`
	Country          string    `json:"country,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`

	// IP is only used for geo enrichment at ingestion and is never stored.
	IP string `json:"ip,omitempty"`
}

func (d *Device) Validate() error {
	if d == nil {
		return errors.New("device is nil")
	}
	if d.GameID == "" {
		return errors.New("game_id is required")
	}
	if d.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

// ===========================================
// SESSION
// ===========================================

type Session struct {
	ID                    string     `json:"session_id"`
	GameID                string     `json:"game_id"`
	PlayerID              string     `json:"player_id"`
	DeviceID              string     `json:"device_id,omitempty"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	DurationSeconds       *int64     `json:"duration_seconds,omitempty"`
	GameVersion           string     `json:"game_version,omitempty"`
	TimezoneOffsetMinutes int        `json:"timezone_offset_minutes"`
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	return s.EndTime != nil
}

// Close sets the end time and derives the duration. It is the only mutation a
// session ever receives.
func (s *Session) Close(end time.Time) error {
	if end.Before(s.StartTime) {
		return fmt.Errorf("end_time %s is before start_time %s", end.Format(time.RFC3339), s.StartTime.Format(time.RFC3339))
	}
	end = end.UTC()
	dur := int64(end.Sub(s.StartTime) / time.Second)
	s.EndTime = &end
	s.DurationSeconds = &dur
	return nil
}

func (s *Session) Validate() error {
	if s == nil {
		return errors.New("session is nil")
	}
	if s.ID == "" {
		return errors.New("session_id is required")
	}
	if s.GameID == "" {
		return errors.New("game_id is required")
	}
	if s.PlayerID == "" {
		return errors.New("player_id is required")
	}
	if s.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if err := validateOffset(s.TimezoneOffsetMinutes); err != nil {
		return err
	}
	if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
		return errors.New("end_time must not be before start_time")
	}
	if s.DurationSeconds != nil && *s.DurationSeconds < 0 {
		return errors.New("duration_seconds must be >= 0")
	}
	return nil
}

// ===========================================
// EVENT
// ===========================================

type Event struct {
	ID                    string         `json:"event_id"`
	GameID                string         `json:"game_id"`
	PlayerID              string         `json:"player_id"`
	SessionID             string         `json:"session_id,omitempty"`
	EventName             string         `json:"event_name"`
	EventType             string         `json:"event_type,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	TimezoneOffsetMinutes int            `json:"timezone_offset_minutes"`
}

func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if e.GameID == "" {
		return errors.New("game_id is required")
	}
	if e.PlayerID == "" {
		return errors.New("player_id is required")
	}
	if e.EventName == "" {
		return errors.New("event_name is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if err := validateOffset(e.TimezoneOffsetMinutes); err != nil {
		return err
	}
	for k, v := range e.Parameters {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("parameter %q has unsupported type %T", k, v)
		}
	}
	return nil
}

// ===========================================
// MONETIZATION TRANSACTION
// ===========================================

type MonetizationTransaction struct {
	ID          string          `json:"transaction_id"`
	GameID      string          `json:"game_id"`
	PlayerID    string          `json:"player_id"`
	ProductID   string          `json:"product_id"`
	ProductType string          `json:"product_type,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Platform    string          `json:"platform,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (t *MonetizationTransaction) Validate() error {
	if t == nil {
		return errors.New("transaction is nil")
	}
	if t.ID == "" {
		return errors.New("transaction_id is required")
	}
	if t.GameID == "" {
		return errors.New("game_id is required")
	}
	if t.PlayerID == "" {
		return errors.New("player_id is required")
	}
	if t.ProductID == "" {
		return errors.New("product_id is required")
	}
	if t.Currency == "" {
		return errors.New("currency is required")
	}
	if t.Amount.IsNegative() {
		return errors.New("amount must be >= 0")
	}
	if !t.Amount.Equal(t.Amount.Round(2)) {
		return errors.New("amount must have at most 2 decimal places")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// ===========================================
// PROGRESSION ATTEMPT
// ===========================================

type CompletionStatus string

const (
	CompletionStarted   CompletionStatus = "started"
	CompletionCompleted CompletionStatus = "completed"
	CompletionFailed    CompletionStatus = "failed"
	CompletionAbandoned CompletionStatus = "abandoned"
)

func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionStarted, CompletionCompleted, CompletionFailed, CompletionAbandoned:
		return true
	}
	return false
}

type ProgressionAttempt struct {
	ID               string           `json:"attempt_id"`
	GameID           string           `json:"game_id"`
	PlayerID         string           `json:"player_id"`
	LevelNumber      int              `json:"level_number"`
	LevelName        string           `json:"level_name,omitempty"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	CompletionStatus CompletionStatus `json:"completion_status"`
	Score            int64            `json:"score"`
	Stars            int              `json:"stars"`
	Attempts         int              `json:"attempts"`
}

func (p *ProgressionAttempt) Validate() error {
	if p == nil {
		return errors.New("progression attempt is nil")
	}
	if p.GameID == "" {
		return errors.New("game_id is required")
	}
	if p.PlayerID == "" {
		return errors.New("player_id is required")
	}
	if p.StartTime.IsZero() {
		return errors.New("start_time is required")
	}
	if p.EndTime != nil && p.EndTime.Before(p.StartTime) {
		return errors.New("end_time must not be before start_time")
	}
	if !p.CompletionStatus.Valid() {
		return fmt.Errorf("unknown completion_status %q", p.CompletionStatus)
	}
	if p.Attempts < 1 {
		return errors.New("attempts must be >= 1")
	}
	return nil
}

// ===========================================
// PERFORMANCE
// ===========================================

// PerformanceSample is the daily aggregate for one device model and OS
// version. It is only ever written by folding readings into it.
type PerformanceSample struct {
	GameID      string    `json:"game_id"`
	DeviceModel string    `json:"device_model"`
	OSVersion   string    `json:"os_version"`
	Date        time.Time `json:"date"`
	AvgFPS      float64   `json:"avg_fps"`
	AvgLoadTime float64   `json:"avg_load_time"`
	CrashCount  int64     `json:"crash_count"`
	SampleCount int64     `json:"sample_count"`
}

// PerformanceReading is one raw client measurement.
type PerformanceReading struct {
	GameID      string    `json:"game_id"`
	DeviceModel string    `json:"device_model"`
	OSVersion   string    `json:"os_version"`
	Timestamp   time.Time `json:"timestamp"`
	FPS         float64   `json:"fps"`
	LoadTime    float64   `json:"load_time"`
	Crashes     int64     `json:"crashes"`

	// TimezoneOffsetMinutes selects the local day the reading is folded into.
	TimezoneOffsetMinutes int `json:"timezone_offset_minutes"`
}

func (r *PerformanceReading) Validate() error {
	if r == nil {
		return errors.New("performance reading is nil")
	}
	if r.GameID == "" {
		return errors.New("game_id is required")
	}
	if r.DeviceModel == "" {
		return errors.New("device_model is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if r.FPS < 0 || r.LoadTime < 0 || r.Crashes < 0 {
		return errors.New("fps, load_time and crashes must be >= 0")
	}
	return validateOffset(r.TimezoneOffsetMinutes)
}

// Key returns the fold key the reading belongs to.
func (r *PerformanceReading) Key() PerformanceKey {
	local := r.Timestamp.UTC().Add(time.Duration(r.TimezoneOffsetMinutes) * time.Minute)
	return PerformanceKey{
		GameID:      r.GameID,
		DeviceModel: r.DeviceModel,
		OSVersion:   r.OSVersion,
		Date:        local.Format(DateLayout),
	}
}

// PerformanceKey identifies one daily performance row.
type PerformanceKey struct {
	GameID      string
	DeviceModel string
	OSVersion   string
	Date        string
}

func (k PerformanceKey) String() string {
	return k.GameID + "|" + k.DeviceModel + "|" + k.OSVersion + "|" + k.Date
}

// Fold folds one reading into the sample using a running mean.
func (s *PerformanceSample) Fold(r *PerformanceReading) {
	s.SampleCount++
	n := float64(s.SampleCount)
	s.AvgFPS += (r.FPS - s.AvgFPS) / n
	s.AvgLoadTime += (r.LoadTime - s.AvgLoadTime) / n
	s.CrashCount += r.Crashes
}

// ===========================================
// PLAYER SEGMENT
// ===========================================

// PlayerSegment stores the raw criteria document; the segment package parses
// it. PlayerCount is a cache refreshed only by an explicit recompute.
type PlayerSegment struct {
	GameID      string          `json:"game_id"`
	Name        string          `json:"segment_name"`
	Criteria    json.RawMessage `json:"segment_criteria"`
	PlayerCount int64           `json:"player_count"`
	RefreshedAt *time.Time      `json:"refreshed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DateLayout is the canonical date format used in keys and requests.
const DateLayout = "2006-01-02"

// MaxOffsetMinutes bounds timezone offsets to real-world zones (UTC-14..UTC+14).
const MaxOffsetMinutes = 14 * 60

func validateOffset(m int) error {
	if m < -MaxOffsetMinutes || m > MaxOffsetMinutes {
		return fmt.Errorf("timezone_offset_minutes %d out of range", m)
	}
	return nil
}
