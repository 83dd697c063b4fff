package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
)

// PostgresDB holds the pgx pool behind storage.PostgresStore.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// PoolStats is a snapshot of pool occupancy for the connection gauges.
type PoolStats struct {
	Idle  int
	InUse int
	Total int
}

// NewPostgresDB opens the pool and waits for the server to answer. Every
// connection runs in UTC so date functions agree with the bucketer.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "aeon-analytics"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := retryPing(ctx, logger, "postgres", pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBName),
		zap.Int("max_conns", cfg.MaxConns),
	)

	return &PostgresDB{Pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Close() {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.logger.Info("PostgreSQL connection pool closed")
}

func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *PostgresDB) Stats() PoolStats {
	st := db.Pool.Stat()
	return PoolStats{
		Idle:  int(st.IdleConns()),
		InUse: int(st.AcquiredConns()),
		Total: int(st.TotalConns()),
	}
}

// retryPing pings up to pingAttempts times with doubling waits so a process
// started alongside its database does not fail on the first refused dial.
func retryPing(ctx context.Context, logger *zap.Logger, name string, ping func(context.Context) error) error {
	wait := 250 * time.Millisecond
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if attempt == pingAttempts {
			break
		}
		logger.Warn("backend not ready, retrying",
			zap.String("backend", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

const pingAttempts = 5
