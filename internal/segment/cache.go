package segment

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCountCache stores committed segment counts in Redis hashes so every
// service instance reads the latest recompute.
type RedisCountCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCountCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCountCache {
	if prefix == "" {
		prefix = "aeon:segment"
	}
	return &RedisCountCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCountCache) key(gameID, name string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, gameID, name)
}

func (c *RedisCountCache) GetCount(ctx context.Context, gameID, name string) (int64, time.Time, bool, error) {
	vals, err := c.client.HGetAll(ctx, c.key(gameID, name)).Result()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to read segment count: %w", err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, false, nil
	}
	count, err := strconv.ParseInt(vals["count"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to parse segment count: %w", err)
	}
	nanos, err := strconv.ParseInt(vals["refreshed_at"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("failed to parse segment refresh time: %w", err)
	}
	return count, time.Unix(0, nanos).UTC(), true, nil
}

// SetCount publishes a count unless a newer one is already stored.
func (c *RedisCountCache) SetCount(ctx context.Context, gameID, name string, count int64, refreshedAt time.Time) error {
	key := c.key(gameID, name)
	err := setIfNewer.Run(ctx, c.client, []string{key},
		count, refreshedAt.UnixNano(), int64(c.ttl/time.Millisecond)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to write segment count: %w", err)
	}
	return nil
}

var setIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'refreshed_at') or '0')
if tonumber(ARGV[2]) < cur then
  return 0
end
redis.call('HSET', KEYS[1], 'count', ARGV[1], 'refreshed_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)
