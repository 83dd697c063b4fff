package perf

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/redis/go-redis/v9"
)

// foldScript applies the running-mean fold to one hash atomically. Means are
// stored with 17 significant digits so they round-trip to the same float64.
// KEYS[1] row hash, KEYS[2] per-game date index.
// ARGV: fps, load_time, crashes, date score, device_model, os_version, date.
var foldScript = redis.NewScript(`
local n = tonumber(redis.call('HGET', KEYS[1], 'sample_count') or '0') + 1
local fps = tonumber(redis.call('HGET', KEYS[1], 'avg_fps') or '0')
local lt = tonumber(redis.call('HGET', KEYS[1], 'avg_load_time') or '0')
fps = fps + (tonumber(ARGV[1]) - fps) / n
lt = lt + (tonumber(ARGV[2]) - lt) / n
local sfps = string.format('%.17g', fps)
local slt = string.format('%.17g', lt)
local crashes = redis.call('HINCRBY', KEYS[1], 'crash_count', ARGV[3])
redis.call('HSET', KEYS[1],
  'avg_fps', sfps,
  'avg_load_time', slt,
  'sample_count', tostring(n),
  'device_model', ARGV[5],
  'os_version', ARGV[6],
  'date', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[4], KEYS[1])
return {sfps, slt, crashes, n}
`)

// RedisFolder is a Folder backed by Redis hashes. It lets several ingestion
// instances fold into the same daily rows.
type RedisFolder struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFolder(client redis.UniversalClient, prefix string) *RedisFolder {
	if prefix == "" {
		prefix = "aeon:perf"
	}
	return &RedisFolder{client: client, prefix: prefix}
}

func (f *RedisFolder) rowKey(k models.PerformanceKey) string {
	return fmt.Sprintf("%s:row:%s:%s:%s:%s", f.prefix, k.GameID, k.DeviceModel, k.OSVersion, k.Date)
}

func (f *RedisFolder) indexKey(gameID string) string {
	return fmt.Sprintf("%s:idx:%s", f.prefix, gameID)
}

func (f *RedisFolder) Fold(ctx context.Context, r *models.PerformanceReading) (*models.PerformanceSample, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := r.Key()
	date, err := time.ParseInLocation(models.DateLayout, key.Date, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fold date: %w", err)
	}

	res, err := foldScript.Run(ctx, f.client,
		[]string{f.rowKey(key), f.indexKey(key.GameID)},
		strconv.FormatFloat(r.FPS, 'f', -1, 64),
		strconv.FormatFloat(r.LoadTime, 'f', -1, 64),
		r.Crashes,
		date.Unix(),
		key.DeviceModel,
		key.OSVersion,
		key.Date,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to fold performance reading: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected fold result length %d", len(res))
	}

	s := &models.PerformanceSample{
		GameID:      key.GameID,
		DeviceModel: key.DeviceModel,
		OSVersion:   key.OSVersion,
		Date:        date,
	}
	s.AvgFPS, _ = strconv.ParseFloat(fmt.Sprint(res[0]), 64)
	s.AvgLoadTime, _ = strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	s.CrashCount, _ = res[2].(int64)
	s.SampleCount, _ = res[3].(int64)
	return s, nil
}

func (f *RedisFolder) List(ctx context.Context, gameID string, from, to time.Time) ([]*models.PerformanceSample, error) {
	lo := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	hi := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)

	keys, err := f.client.ZRangeByScore(ctx, f.indexKey(gameID), &redis.ZRangeBy{
		Min: strconv.FormatInt(lo.Unix(), 10),
		Max: strconv.FormatInt(hi.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read performance index: %w", err)
	}
	if len(keys) == 0 {
		return []*models.PerformanceSample{}, nil
	}

	pipe := f.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read performance rows: %w", err)
	}

	out := make([]*models.PerformanceSample, 0, len(keys))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		s := &models.PerformanceSample{
			GameID:      gameID,
			DeviceModel: h["device_model"],
			OSVersion:   h["os_version"],
		}
		s.Date, _ = time.ParseInLocation(models.DateLayout, h["date"], time.UTC)
		s.AvgFPS, _ = strconv.ParseFloat(h["avg_fps"], 64)
		s.AvgLoadTime, _ = strconv.ParseFloat(h["avg_load_time"], 64)
		s.CrashCount, _ = strconv.ParseInt(h["crash_count"], 10, 64)
		s.SampleCount, _ = strconv.ParseInt(h["sample_count"], 10, 64)
		out = append(out, s)
	}
	SortSamples(out)
	return out, nil
}
