package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// rangeClause appends the bounds of r on col to args and returns the SQL
// condition, starting with " AND", or "" when r is unbounded.
func rangeClause(col string, r TimeRange, args []any) (string, []any) {
	var b strings.Builder
	if !r.From.IsZero() {
		args = append(args, r.From.UTC())
		fmt.Fprintf(&b, " AND %s >= $%d", col, len(args))
	}
	if !r.To.IsZero() {
		args = append(args, r.To.UTC())
		fmt.Fprintf(&b, " AND %s < $%d", col, len(args))
	}
	return b.String(), args
}

// =============================================
// Games
// =============================================

func (s *PostgresStore) RegisterGame(ctx context.Context, gameID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO games (game_id, created_at) VALUES ($1, $2)
		ON CONFLICT (game_id) DO NOTHING
	`, gameID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to register game: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	var g models.Game
	err := s.pool.QueryRow(ctx, `SELECT game_id, created_at FROM games WHERE game_id = $1`, gameID).
		Scan(&g.ID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context) ([]*models.Game, error) {
	rows, err := s.pool.Query(ctx, `SELECT game_id, created_at FROM games ORDER BY game_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	games := make([]*models.Game, 0)
	for rows.Next() {
		var g models.Game
		if err := rows.Scan(&g.ID, &g.CreatedAt); err != nil {
			return nil, err
		}
		games = append(games, &g)
	}
	return games, rows.Err()
}

// =============================================
// Devices
// =============================================

const deviceColumns = `game_id, device_id, platform, os_version, model, screen_resolution, locale, country, first_seen`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.GameID, &d.DeviceID, &d.Platform, &d.OSVersion, &d.Model,
		&d.ScreenResolution, &d.Locale, &d.Country, &d.FirstSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) InsertDevice(ctx context.Context, d *models.Device) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (game_id, device_id) DO NOTHING
	`, d.GameID, d.DeviceID, d.Platform, d.OSVersion, d.Model, d.ScreenResolution, d.Locale, d.Country, d.FirstSeen.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, gameID, deviceID string) (*models.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE game_id = $1 AND device_id = $2
	`, gameID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, gameID string) ([]*models.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE game_id = $1 ORDER BY device_id
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// =============================================
// Sessions
// =============================================

const sessionColumns = `session_id, game_id, player_id, device_id, start_time, end_time, duration_seconds, game_version, timezone_offset_minutes`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.GameID, &sess.PlayerID, &sess.DeviceID, &sess.StartTime,
		&sess.EndTime, &sess.DurationSeconds, &sess.GameVersion, &sess.TimezoneOffsetMinutes)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, sess *models.Session) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (game_id, session_id) DO NOTHING
	`, sess.ID, sess.GameID, sess.PlayerID, sess.DeviceID, sess.StartTime.UTC(),
		sess.EndTime, sess.DurationSeconds, sess.GameVersion, sess.TimezoneOffsetMinutes)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, gameID, sessionID string, end time.Time) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE sessions SET
			end_time = $3,
			duration_seconds = floor(extract(epoch FROM ($3 - start_time)))::bigint
		WHERE game_id = $1 AND session_id = $2 AND end_time IS NULL AND start_time <= $3
		RETURNING `+sessionColumns, gameID, sessionID, end.UTC()))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	cur, err := s.GetSession(ctx, gameID, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur == nil:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	case cur.Closed():
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}
	if err := cur.Close(end); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
}

func (s *PostgresStore) GetSession(ctx context.Context, gameID, sessionID string) (*models.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE game_id = $1 AND session_id = $2
	`, gameID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) querySessions(ctx context.Context, sql string, args ...any) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) ListSessions(ctx context.Context, gameID string, r TimeRange) ([]*models.Session, error) {
	cond, args := rangeClause("start_time", r, []any{gameID})
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE game_id = $1`+cond+`
		ORDER BY start_time, session_id
	`, args...)
}

func (s *PostgresStore) ListFirstSessions(ctx context.Context, gameID string, r TimeRange) ([]*models.Session, error) {
	cond, args := rangeClause("start_time", r, []any{gameID})
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM (
			SELECT DISTINCT ON (player_id) `+sessionColumns+`
			FROM sessions
			WHERE game_id = $1
			ORDER BY player_id, start_time, session_id
		) first_sessions
		WHERE true`+cond+`
		ORDER BY start_time, player_id
	`, args...)
}

// =============================================
// Events
// =============================================

func (s *PostgresStore) InsertEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		params, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal event parameters: %w", err)
		}
		batch.Queue(`
			INSERT INTO events (event_id, game_id, player_id, session_id, event_name, event_type, ts, parameters, timezone_offset_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
			ON CONFLICT (event_id) DO NOTHING
		`, e.ID, e.GameID, e.PlayerID, e.SessionID, e.EventName, e.EventType, e.Timestamp.UTC(), string(params), e.TimezoneOffsetMinutes)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, gameID string, r TimeRange) ([]*models.Event, error) {
	cond, args := rangeClause("ts", r, []any{gameID})
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, game_id, player_id, session_id, event_name, event_type, ts, parameters, timezone_offset_minutes
		FROM events
		WHERE game_id = $1`+cond+`
		ORDER BY ts, event_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var params []byte
		if err := rows.Scan(&e.ID, &e.GameID, &e.PlayerID, &e.SessionID, &e.EventName, &e.EventType,
			&e.Timestamp, &params, &e.TimezoneOffsetMinutes); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &e.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode event parameters: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// =============================================
// Transactions
// =============================================

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *models.MonetizationTransaction) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (transaction_id, game_id, player_id, product_id, product_type, amount, currency, platform, ts)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)
		ON CONFLICT (game_id, transaction_id) DO NOTHING
	`, t.ID, t.GameID, t.PlayerID, t.ProductID, t.ProductType, t.Amount.StringFixed(2), t.Currency, t.Platform, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrDuplicate)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, gameID string, r TimeRange) ([]*models.MonetizationTransaction, error) {
	cond, args := rangeClause("ts", r, []any{gameID})
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_id, game_id, player_id, product_id, product_type, amount::text, currency, platform, ts
		FROM transactions
		WHERE game_id = $1`+cond+`
		ORDER BY ts, transaction_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]*models.MonetizationTransaction, 0)
	for rows.Next() {
		var t models.MonetizationTransaction
		var amount string
		if err := rows.Scan(&t.ID, &t.GameID, &t.PlayerID, &t.ProductID, &t.ProductType,
			&amount, &t.Currency, &t.Platform, &t.Timestamp); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// =============================================
// Progression
// =============================================

func (s *PostgresStore) InsertProgression(ctx context.Context, p *models.ProgressionAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO progression (attempt_id, game_id, player_id, level_number, level_name, start_time, end_time,
			completion_status, score, stars, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.GameID, p.PlayerID, p.LevelNumber, p.LevelName, p.StartTime.UTC(), p.EndTime,
		string(p.CompletionStatus), p.Score, p.Stars, p.Attempts)
	if err != nil {
		return fmt.Errorf("failed to insert progression attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxAttempts(ctx context.Context, gameID, playerID string, level int) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempts), 0) FROM progression
		WHERE game_id = $1 AND player_id = $2 AND level_number = $3
	`, gameID, playerID, level).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) ListProgression(ctx context.Context, gameID string, r TimeRange) ([]*models.ProgressionAttempt, error) {
	cond, args := rangeClause("start_time", r, []any{gameID})
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, game_id, player_id, level_number, level_name, start_time, end_time,
			completion_status, score, stars, attempts
		FROM progression
		WHERE game_id = $1`+cond+`
		ORDER BY start_time, attempt_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list progression: %w", err)
	}
	defer rows.Close()

	attempts := make([]*models.ProgressionAttempt, 0)
	for rows.Next() {
		var p models.ProgressionAttempt
		var status string
		if err := rows.Scan(&p.ID, &p.GameID, &p.PlayerID, &p.LevelNumber, &p.LevelName, &p.StartTime,
			&p.EndTime, &status, &p.Score, &p.Stars, &p.Attempts); err != nil {
			return nil, err
		}
		p.CompletionStatus = models.CompletionStatus(status)
		attempts = append(attempts, &p)
	}
	return attempts, rows.Err()
}

// =============================================
// Performance
// =============================================

// FoldPerformance folds in a single upsert; the row lock taken by ON CONFLICT
// serializes concurrent folds on the same key.
func (s *PostgresStore) FoldPerformance(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := r.Key()
	date, err := time.ParseInLocation(models.DateLayout, key.Date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fold date: %w", err)
	}

	out := &models.PerformanceSample{
		GameID:      key.GameID,
		DeviceModel: key.DeviceModel,
		OSVersion:   key.OSVersion,
		Date:        date,
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO performance_daily (game_id, device_model, os_version, date, avg_fps, avg_load_time, crash_count, sample_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (game_id, device_model, os_version, date) DO UPDATE SET
			avg_fps = performance_daily.avg_fps + (EXCLUDED.avg_fps - performance_daily.avg_fps) / (performance_daily.sample_count + 1),
			avg_load_time = performance_daily.avg_load_time + (EXCLUDED.avg_load_time - performance_daily.avg_load_time) / (performance_daily.sample_count + 1),
			crash_count = performance_daily.crash_count + EXCLUDED.crash_count,
			sample_count = performance_daily.sample_count + 1
		RETURNING avg_fps, avg_load_time, crash_count, sample_count
	`, key.GameID, key.DeviceModel, key.OSVersion, date, r.FPS, r.LoadTime, r.Crashes).
		Scan(&out.AvgFPS, &out.AvgLoadTime, &out.CrashCount, &out.SampleCount)
	if err != nil {
		return nil, fmt.Errorf("failed to fold performance reading: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListPerformance(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT game_id, device_model, os_version, date, avg_fps, avg_load_time, crash_count, sample_count
		FROM performance_daily
		WHERE game_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, device_model, os_version
	`, gameID, from.Format(models.DateLayout), to.Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list performance: %w", err)
	}
	defer rows.Close()

	samples := make([]*models.PerformanceSample, 0)
	for rows.Next() {
		var p models.PerformanceSample
		if err := rows.Scan(&p.GameID, &p.DeviceModel, &p.OSVersion, &p.Date,
			&p.AvgFPS, &p.AvgLoadTime, &p.CrashCount, &p.SampleCount); err != nil {
			return nil, err
		}
		samples = append(samples, &p)
	}
	return samples, rows.Err()
}

// =============================================
// Segments
// =============================================

const segmentColumns = `game_id, segment_name, criteria, player_count, refreshed_at, created_at`

func scanSegment(row pgx.Row) (*models.PlayerSegment, error) {
	var seg models.PlayerSegment
	var criteria []byte
	if err := row.Scan(&seg.GameID, &seg.Name, &criteria, &seg.PlayerCount, &seg.RefreshedAt, &seg.CreatedAt); err != nil {
		return nil, err
	}
	seg.Criteria = criteria
	return &seg, nil
}

func (s *PostgresStore) UpsertSegment(ctx context.Context, seg *models.PlayerSegment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO player_segments (game_id, segment_name, criteria, player_count, created_at)
		VALUES ($1, $2, $3::jsonb, 0, $4)
		ON CONFLICT (game_id, segment_name) DO UPDATE SET criteria = EXCLUDED.criteria
	`, seg.GameID, seg.Name, string(seg.Criteria), seg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert segment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSegment(ctx context.Context, gameID, name string) (*models.PlayerSegment, error) {
	seg, err := scanSegment(s.pool.QueryRow(ctx, `
		SELECT `+segmentColumns+` FROM player_segments WHERE game_id = $1 AND segment_name = $2
	`, gameID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

func (s *PostgresStore) ListSegments(ctx context.Context, gameID string) ([]*models.PlayerSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+segmentColumns+` FROM player_segments WHERE game_id = $1 ORDER BY segment_name
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]*models.PlayerSegment, 0)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func (s *PostgresStore) CommitSegmentCount(ctx context.Context, gameID, name string, count int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE player_segments SET player_count = $3, refreshed_at = $4
		WHERE game_id = $1 AND segment_name = $2
	`, gameID, name, count, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to commit segment count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment %s: %w", name, ErrNotFound)
	}
	return nil
}
