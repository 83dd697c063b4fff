package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// ClickHouseEventStore implements EventRepo on a ClickHouse table. It is
// meant for high-volume event streams; the other streams stay relational.
type ClickHouseEventStore struct {
	conn  clickhouse.Conn
	table string
}

func NewClickHouseEventStore(conn clickhouse.Conn, table string) *ClickHouseEventStore {
	if table == "" {
		table = "events"
	}
	return &ClickHouseEventStore{conn: conn, table: table}
}

func (s *ClickHouseEventStore) InsertEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table+
		" (event_id, game_id, player_id, session_id, event_name, event_type, ts, parameters, timezone_offset_minutes)")
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}
	for _, e := range events {
		params, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal event parameters: %w", err)
		}
		if err := batch.Append(e.ID, e.GameID, e.PlayerID, e.SessionID, e.EventName, e.EventType,
			e.Timestamp.UTC(), string(params), int16(e.TimezoneOffsetMinutes)); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}
	return nil
}

func (s *ClickHouseEventStore) ListEvents(ctx context.Context, gameID string, r TimeRange) ([]*models.Event, error) {
	var where strings.Builder
	args := []any{gameID}
	where.WriteString(" WHERE game_id = ?")
	if !r.From.IsZero() {
		where.WriteString(" AND ts >= ?")
		args = append(args, r.From.UTC())
	}
	if !r.To.IsZero() {
		where.WriteString(" AND ts < ?")
		args = append(args, r.To.UTC())
	}

	rows, err := s.conn.Query(ctx, "SELECT event_id, game_id, player_id, session_id, event_name, event_type, ts, parameters, timezone_offset_minutes FROM "+
		s.table+where.String()+" ORDER BY ts, event_id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var params string
		var offset int16
		if err := rows.Scan(&e.ID, &e.GameID, &e.PlayerID, &e.SessionID, &e.EventName, &e.EventType,
			&e.Timestamp, &params, &offset); err != nil {
			return nil, err
		}
		e.TimezoneOffsetMinutes = int(offset)
		if params != "" && params != "null" {
			if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode event parameters: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}
