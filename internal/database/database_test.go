package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

func TestRetryPingSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retryPing(context.Background(), zap.NewNop(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPingStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryPing(ctx, zap.NewNop(), "test", func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOpenMemoryBackends(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreMemory,
		Geo:   config.GeoConfig{Enabled: true, DatabasePath: "/nonexistent/GeoLite2-Country.mmdb"},
	}
	b, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.InMemoryStore{}, b.Store)
	assert.Nil(t, b.Postgres)
	assert.Nil(t, b.Redis)
	assert.Nil(t, b.Geo)
	assert.Nil(t, b.CountCache)
	assert.NoError(t, b.Health(context.Background()))
}
