package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AEON_AUTH_API_KEYS", "k1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1"}, cfg.Auth.APIKeys)
	assert.Equal(t, 10*time.Second, cfg.Query.Timeout)
	assert.Equal(t, 4, cfg.Query.MaxParallel)
	assert.Equal(t, 366, cfg.Query.MaxRangeDays)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AEON_AUTH_ENABLED", "false")
	t.Setenv("AEON_STORE", "Postgres")
	t.Setenv("AEON_QUERY_TIMEOUT", "250ms")
	t.Setenv("AEON_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AEON_DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Query.Timeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"auth without keys", map[string]string{}},
		{"unknown store", map[string]string{"AEON_AUTH_ENABLED": "false", "AEON_STORE": "sqlite"}},
		{"zero parallelism", map[string]string{"AEON_AUTH_ENABLED": "false", "AEON_QUERY_MAX_PARALLEL": "0"}},
		{"zero range", map[string]string{"AEON_AUTH_ENABLED": "false", "AEON_QUERY_MAX_RANGE_DAYS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
