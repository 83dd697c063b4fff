package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// Envelope types carried on the telemetry topic.
const (
	TypeDevice       = "device"
	TypeSession      = "session"
	TypeSessionClose = "session_close"
	TypeEvent        = "event"
	TypeEvents       = "events"
	TypeTransaction  = "transaction"
	TypeProgression  = "progression"
	TypePerformance  = "performance"
)

// Envelope wraps one telemetry record with its type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SessionClose is the payload of a session_close record.
type SessionClose struct {
	GameID    string    `json:"game_id"`
	SessionID string    `json:"session_id"`
	EndTime   time.Time `json:"end_time"`
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalid)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Apply decodes an envelope and routes it to the matching write.
func (s *Service) Apply(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeDevice:
		var d models.Device
		if err := decode(env.Payload, &d); err != nil {
			return err
		}
		_, err := s.RegisterDevice(ctx, &d)
		return err
	case TypeSession:
		var sess models.Session
		if err := decode(env.Payload, &sess); err != nil {
			return err
		}
		_, err := s.StartSession(ctx, &sess)
		return err
	case TypeSessionClose:
		var c SessionClose
		if err := decode(env.Payload, &c); err != nil {
			return err
		}
		_, err := s.CloseSession(ctx, c.GameID, c.SessionID, c.EndTime)
		return err
	case TypeEvent:
		var e models.Event
		if err := decode(env.Payload, &e); err != nil {
			return err
		}
		_, err := s.RecordEvents(ctx, []*models.Event{&e})
		return err
	case TypeEvents:
		var events []*models.Event
		if err := decode(env.Payload, &events); err != nil {
			return err
		}
		_, err := s.RecordEvents(ctx, events)
		return err
	case TypeTransaction:
		var t models.MonetizationTransaction
		if err := decode(env.Payload, &t); err != nil {
			return err
		}
		_, err := s.RecordTransaction(ctx, &t)
		return err
	case TypeProgression:
		var p models.ProgressionAttempt
		if err := decode(env.Payload, &p); err != nil {
			return err
		}
		_, err := s.RecordProgression(ctx, &p)
		return err
	case TypePerformance:
		var r models.PerformanceReading
		if err := decode(env.Payload, &r); err != nil {
			return err
		}
		_, err := s.RecordPerformance(ctx, &r)
		return err
	}
	return fmt.Errorf("%w: unknown record type %q", ErrInvalid, env.Type)
}
