package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const prefix = "AEON_"

// Config holds all configuration for the analytics service and consumer.
type Config struct {
	Server     ServerConfig
	Store      string
	Database   DatabaseConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Query      QueryConfig
	Segment    SegmentConfig
}

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ClickHouseConfig enables the columnar event stream when Enabled is set.
type ClickHouseConfig struct {
	Enabled     bool
	Addrs       []string
	Database    string
	User        string
	Password    string
	EventsTable string
	DialTimeout time.Duration
	MaxConns    int
}

// RedisConfig enables the Redis performance fold and segment count cache
// when Enabled is set.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
	MaxWait         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MetricsAddr     string
}

type AuthConfig struct {
	Enabled   bool
	APIKeys   []string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled     bool
	RPS         float64
	Burst       int
	IngestRPS   float64
	IngestBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// GeoConfig configures country lookup for devices.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// QueryConfig bounds analytics queries.
type QueryConfig struct {
	Timeout      time.Duration
	MaxParallel  int
	MaxRangeDays int
}

type SegmentConfig struct {
	PreviewLimit int
	CountTTL     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxBodyBytes:    int64(getIntEnv("MAX_BODY_BYTES", 4<<20)),
		},
		Store: strings.ToLower(getEnv("STORE", StoreMemory)),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getIntEnv("DB_PORT", 5432),
			User:     getEnv("DB_USER", "aeon"),
			Password: getEnv("DB_PASSWORD", "aeon_secret"),
			DBName:   getEnv("DB_NAME", "aeon_analytics"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("DB_MAX_CONNS", 25),
			MinConns: getIntEnv("DB_MIN_CONNS", 5),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:     getBoolEnv("CLICKHOUSE_ENABLED", false),
			Addrs:       getSliceEnv("CLICKHOUSE_ADDRS", []string{"localhost:9000"}),
			Database:    getEnv("CLICKHOUSE_DATABASE", "analytics"),
			User:        getEnv("CLICKHOUSE_USER", "default"),
			Password:    getEnv("CLICKHOUSE_PASSWORD", ""),
			EventsTable: getEnv("CLICKHOUSE_EVENTS_TABLE", "events"),
			DialTimeout: getDurationEnv("CLICKHOUSE_DIAL_TIMEOUT", 5*time.Second),
			MaxConns:    getIntEnv("CLICKHOUSE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "aeon"),
		},
		Kafka: KafkaConfig{
			Brokers:         getSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:           getEnv("KAFKA_TOPIC", "telemetry"),
			GroupID:         getEnv("KAFKA_GROUP_ID", "aeon-telemetry-consumer"),
			DeadLetterTopic: getEnv("KAFKA_DEAD_LETTER_TOPIC", "telemetry.dead"),
			MaxWait:         getDurationEnv("KAFKA_MAX_WAIT", time.Second),
			MaxRetries:      getIntEnv("KAFKA_MAX_RETRIES", 3),
			RetryBackoff:    getDurationEnv("KAFKA_RETRY_BACKOFF", 200*time.Millisecond),
			MetricsAddr:     getEnv("KAFKA_METRICS_ADDR", ":9091"),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("AUTH_ENABLED", true),
			APIKeys:   getSliceEnv("AUTH_API_KEYS", nil),
			SkipPaths: getSliceEnv("AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getBoolEnv("RATE_LIMIT_ENABLED", true),
			RPS:         getFloatEnv("RATE_LIMIT_RPS", 50),
			Burst:       getIntEnv("RATE_LIMIT_BURST", 20),
			IngestRPS:   getFloatEnv("RATE_LIMIT_INGEST_RPS", 2000),
			IngestBurst: getIntEnv("RATE_LIMIT_INGEST_BURST", 500),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("METRICS_ENABLED", true),
			Path:      getEnv("METRICS_PATH", "/metrics"),
			Namespace: getEnv("METRICS_NAMESPACE", "aeon"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("GEO_ENABLED", false),
			DatabasePath: getEnv("GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
			CacheSize:    getIntEnv("GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("GEO_CACHE_TTL", 1*time.Hour),
		},
		Query: QueryConfig{
			Timeout:      getDurationEnv("QUERY_TIMEOUT", 10*time.Second),
			MaxParallel:  getIntEnv("QUERY_MAX_PARALLEL", 4),
			MaxRangeDays: getIntEnv("QUERY_MAX_RANGE_DAYS", 366),
		},
		Segment: SegmentConfig{
			PreviewLimit: getIntEnv("SEGMENT_PREVIEW_LIMIT", 20),
			CountTTL:     getDurationEnv("SEGMENT_COUNT_TTL", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Store != StoreMemory && c.Store != StorePostgres {
		return fmt.Errorf("%sSTORE must be %q or %q, got %q", prefix, StoreMemory, StorePostgres, c.Store)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("%sAUTH_API_KEYS is required when auth is enabled", prefix)
	}
	if c.Query.MaxParallel < 1 {
		return fmt.Errorf("%sQUERY_MAX_PARALLEL must be >= 1", prefix)
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("%sQUERY_TIMEOUT must be positive", prefix)
	}
	if c.Query.MaxRangeDays < 1 {
		return fmt.Errorf("%sQUERY_MAX_RANGE_DAYS must be >= 1", prefix)
	}
	if c.ClickHouse.Enabled && len(c.ClickHouse.Addrs) == 0 {
		return fmt.Errorf("%sCLICKHOUSE_ADDRS is required when ClickHouse is enabled", prefix)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// Helper functions for reading AEON_-prefixed environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
