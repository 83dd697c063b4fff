package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/geo"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/perf"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/segment"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

// Backends is the record store assembled from configuration plus the
// connections behind it.
type Backends struct {
	Store      storage.Store
	Postgres   *PostgresDB
	Redis      *RedisDB
	ClickHouse *ClickHouseDB
	Geo        geo.Resolver
	CountCache segment.CountCache

	logger *zap.Logger
}

// Open connects every enabled backend and layers them into one store:
// the base store (memory or PostgreSQL), ClickHouse for the event stream and
// Redis for the performance fold.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backends, error) {
	b := &Backends{logger: logger}

	switch cfg.Store {
	case config.StorePostgres:
		db, err := NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		b.Postgres = db
		b.Store = storage.NewPostgresStore(db.Pool)
	default:
		b.Store = storage.NewInMemoryStore()
		logger.Warn("using in-memory record store; data is lost on restart")
	}

	if cfg.ClickHouse.Enabled {
		ch, err := NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.ClickHouse = ch
		b.Store = storage.WithEvents(b.Store, storage.NewClickHouseEventStore(ch.Conn, cfg.ClickHouse.EventsTable))
	}

	if cfg.Redis.Enabled {
		rdb, err := NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Redis = rdb
		b.Store = storage.WithPerformance(b.Store, perf.NewRedisFolder(rdb.Client, cfg.Redis.Prefix+":perf"))
		b.CountCache = segment.NewRedisCountCache(rdb.Client, cfg.Redis.Prefix+":segment", cfg.Segment.CountTTL)
	}

	if cfg.Geo.Enabled {
		mm, err := geo.NewMaxMindResolver(cfg.Geo.DatabasePath)
		if err != nil {
			logger.Warn("failed to initialize geo resolver, country enrichment disabled", zap.Error(err))
		} else {
			b.Geo = geo.NewCachedResolver(mm, cfg.Geo.CacheSize, cfg.Geo.CacheTTL)
		}
	}

	return b, nil
}

// Close releases every open connection.
func (b *Backends) Close() {
	if b.Geo != nil {
		if err := b.Geo.Close(); err != nil {
			b.logger.Warn("failed to close geo resolver", zap.Error(err))
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			b.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if b.ClickHouse != nil {
		if err := b.ClickHouse.Close(); err != nil {
			b.logger.Warn("failed to close clickhouse", zap.Error(err))
		}
	}
	if b.Postgres != nil {
		b.Postgres.Close()
	}
}

// Health pings every connected backend.
func (b *Backends) Health(ctx context.Context) error {
	if err := b.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if b.Redis != nil {
		if err := b.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if b.ClickHouse != nil {
		if err := b.ClickHouse.Health(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	return nil
}
