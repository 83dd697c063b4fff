package segment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, doc string) Criteria {
	t.Helper()
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	return c
}

func TestParse(t *testing.T) {
	c := mustParse(t, `{"and":[{"field":"total_sessions","op":">=","value":5},{"not":{"field":"country","op":"in","value":["US","CA"]}}]}`)
	and, ok := c.(And)
	require.True(t, ok)
	require.Len(t, and.Children, 2)
	assert.Equal(t, Leaf{Field: "total_sessions", Op: OpGe, Value: 5.0}, and.Children[0])
	assert.IsType(t, Not{}, and.Children[1])

	round, err := Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"and":[{"field":"total_sessions","op":">=","value":5},{"not":{"field":"country","op":"in","value":["US","CA"]}}]}`, string(round))
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		``,
		`[]`,
		`null`,
		`{"field":"total_sessions","op":"~","value":1}`,
		`{"field":"total_sessions","op":">"}`,
		`{"field":"","op":">","value":1}`,
		`{"and":{"field":"x","op":"=","value":1}}`,
		`{"and":[],"or":[]}`,
		`{"not":[]}`,
		`{"field":"level_reached","op":"between","value":[1]}`,
		`{"field":"country","op":"in","value":"US"}`,
		`{"field":"x","op":"=","value":1,"extra":true}`,
	}
	for _, doc := range bad {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrMalformedCriteria, doc)
	}
}

func snapshot() *Snapshot {
	return &Snapshot{
		PlayerID:             "p1",
		TotalSessions:        12,
		TotalEvents:          300,
		TotalRevenue:         decimal.RequireFromString("19.98"),
		TransactionCount:     2,
		TotalPlaytimeSeconds: 7200,
		FirstSeen:            now.AddDate(0, 0, -30),
		LastSeen:             now.AddDate(0, 0, -3).Add(-time.Hour),
		GameVersion:          "1.10.0",
		Country:              "DE",
		Platform:             "android",
		LevelReached:         7,
		AsOf:                 now,
	}
}

func TestEvaluate(t *testing.T) {
	snap := snapshot()
	tests := []struct {
		doc  string
		want bool
	}{
		{`{"field":"total_sessions","op":">=","value":12}`, true},
		{`{"field":"total_sessions","op":">","value":12}`, false},
		{`{"field":"total_revenue","op":"=","value":19.98}`, true},
		{`{"field":"total_revenue","op":"<","value":20}`, true},
		{`{"field":"game_version","op":">","value":"1.9.9"}`, true},
		{`{"field":"game_version","op":"=","value":"1.10"}`, true},
		{`{"field":"country","op":"in","value":["FR","DE"]}`, true},
		{`{"field":"country","op":"!=","value":"DE"}`, false},
		{`{"field":"level_reached","op":"between","value":[5,7]}`, true},
		{`{"field":"level_reached","op":"between","value":[8,10]}`, false},
		{`{"field":"days_since_last_seen","op":"=","value":3}`, true},
		{`{"field":"first_seen","op":"<","value":"2024-02-01"}`, true},
		{`{"field":"last_seen","op":">","value":"2024-02-20T00:00:00Z"}`, true},
		{`{"and":[]}`, true},
		{`{"or":[]}`, false},
		{`{"or":[{"field":"platform","op":"=","value":"ios"},{"field":"platform","op":"=","value":"android"}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.doc, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(mustParse(t, tt.doc), snap))
		})
	}
}

func TestEvaluateUnknownFieldAndTypeMismatchAreFalse(t *testing.T) {
	snap := snapshot()
	assert.False(t, Evaluate(mustParse(t, `{"field":"vip_tier","op":"=","value":1}`), snap))
	assert.False(t, Evaluate(mustParse(t, `{"field":"total_sessions","op":">","value":"ten"}`), snap))
	assert.False(t, Evaluate(mustParse(t, `{"field":"country","op":"=","value":49}`), snap))
	assert.False(t, Evaluate(mustParse(t, `{"field":"first_seen","op":"<","value":"yesterday"}`), snap))

	// Negating a leaf that can never match selects everyone.
	assert.True(t, Evaluate(mustParse(t, `{"not":{"field":"vip_tier","op":"=","value":1}}`), snap))

	assert.Equal(t, []string{"vip_tier"}, UnknownFields(mustParse(t,
		`{"and":[{"field":"vip_tier","op":"=","value":1},{"field":"country","op":"=","value":"DE"}]}`)))
}

func TestEvaluateDeterministic(t *testing.T) {
	c := mustParse(t, `{"or":[{"field":"total_events","op":">","value":100},{"not":{"field":"platform","op":"=","value":"ios"}}]}`)
	snap := snapshot()
	first := Evaluate(c, snap)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(c, snap))
	}
}

func TestBuildSnapshots(t *testing.T) {
	d1 := now.AddDate(0, 0, -10)
	dur := int64(600)
	end := d1.Add(10 * time.Minute)
	r := Records{
		Sessions: []*models.Session{
			{ID: "s1", PlayerID: "a", DeviceID: "dev1", StartTime: d1, EndTime: &end, DurationSeconds: &dur, GameVersion: "1.2.0"},
			{ID: "s2", PlayerID: "a", DeviceID: "dev2", StartTime: d1.AddDate(0, 0, 2), GameVersion: "1.10.0"},
		},
		Events: []*models.Event{
			{PlayerID: "a", EventName: "x", Timestamp: d1.AddDate(0, 0, 3)},
			{PlayerID: "b", EventName: "x", Timestamp: d1},
		},
		Transactions: []*models.MonetizationTransaction{
			{PlayerID: "a", Amount: decimal.RequireFromString("4.99"), Platform: "ios", Timestamp: d1},
			{PlayerID: "a", Amount: decimal.RequireFromString("5.01"), Platform: "ios", Timestamp: d1},
		},
		Progression: []*models.ProgressionAttempt{
			{PlayerID: "a", LevelNumber: 3, CompletionStatus: models.CompletionCompleted, StartTime: d1},
			{PlayerID: "a", LevelNumber: 9, CompletionStatus: models.CompletionFailed, StartTime: d1},
		},
		Devices: []*models.Device{
			{DeviceID: "dev1", Platform: "ios", Country: "US"},
			{DeviceID: "dev2", Platform: "android", Country: "BR"},
		},
	}

	snaps := BuildSnapshots(r, now)
	require.Len(t, snaps, 2)

	a := snaps[0]
	assert.Equal(t, "a", a.PlayerID)
	assert.Equal(t, int64(2), a.TotalSessions)
	assert.Equal(t, int64(1), a.TotalEvents)
	assert.Equal(t, int64(600), a.TotalPlaytimeSeconds)
	assert.True(t, decimal.RequireFromString("10").Equal(a.TotalRevenue))
	assert.Equal(t, int64(2), a.TransactionCount)
	assert.Equal(t, "1.10.0", a.GameVersion)
	assert.Equal(t, "android", a.Platform)
	assert.Equal(t, "BR", a.Country)
	assert.Equal(t, 3, a.LevelReached)
	assert.Equal(t, d1, a.FirstSeen)
	assert.Equal(t, d1.AddDate(0, 0, 3), a.LastSeen)

	b := snaps[1]
	assert.Equal(t, int64(0), b.TotalSessions)
	assert.Equal(t, int64(1), b.TotalEvents)
}

func TestSnapshotRevenueCurrencies(t *testing.T) {
	r := Records{
		Transactions: []*models.MonetizationTransaction{
			{PlayerID: "a", Amount: decimal.RequireFromString("100"), Currency: "usd", Timestamp: now},
			{PlayerID: "a", Amount: decimal.RequireFromString("50"), Currency: "USD", Timestamp: now},
			{PlayerID: "b", Amount: decimal.RequireFromString("100"), Currency: "USD", Timestamp: now},
			{PlayerID: "b", Amount: decimal.RequireFromString("100"), Currency: "EUR", Timestamp: now},
		},
	}
	snaps := BuildSnapshots(r, now)
	require.Len(t, snaps, 2)

	a, b := snaps[0], snaps[1]
	assert.Equal(t, "USD", a.Currency)
	assert.False(t, a.MixedCurrency)
	assert.True(t, decimal.RequireFromString("150").Equal(a.TotalRevenue))

	assert.True(t, b.MixedCurrency)
	assert.Empty(t, b.Currency)
	assert.True(t, b.TotalRevenue.IsZero())
	assert.Len(t, b.RevenueByCurrency, 2)
	assert.Equal(t, int64(2), b.TransactionCount)

	whales := mustParse(t, `{"field":"total_revenue","op":">","value":120}`)
	assert.True(t, Evaluate(whales, a))
	assert.False(t, Evaluate(whales, b))
	assert.False(t, Evaluate(mustParse(t, `{"field":"total_revenue","op":"<=","value":120}`), b))
}

func seedStore(t *testing.T, players int) *storage.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewInMemoryStore()
	require.NoError(t, store.RegisterGame(ctx, "g1", now))
	for i := 0; i < players; i++ {
		id := string(rune('a' + i))
		for j := 0; j <= i; j++ {
			require.NoError(t, store.InsertSession(ctx, &models.Session{
				ID: id + string(rune('0'+j)), GameID: "g1", PlayerID: id, StartTime: now.Add(-time.Duration(j) * time.Hour),
			}))
		}
	}
	return store
}

func newService(store storage.Store, opts ...Option) *Service {
	return NewService(store, zap.NewNop(), append([]Option{WithClock(func() time.Time { return now })}, opts...)...)
}

func TestServiceDefineAndRecompute(t *testing.T) {
	ctx := context.Background()
	svc := newService(seedStore(t, 5))

	seg, err := svc.Define(ctx, "g1", "regulars", []byte(`{"field":"total_sessions","op":">=","value":3}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), seg.PlayerCount)
	assert.Nil(t, seg.RefreshedAt)

	count, err := svc.Recompute(ctx, "g1", "regulars")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	seg, err = svc.Get(ctx, "g1", "regulars")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seg.PlayerCount)
	require.NotNil(t, seg.RefreshedAt)
	assert.Equal(t, now, *seg.RefreshedAt)

	// redefining keeps the committed count until the next recompute
	_, err = svc.Define(ctx, "g1", "regulars", []byte(`{"and":[]}`))
	require.NoError(t, err)
	seg, err = svc.Get(ctx, "g1", "regulars")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seg.PlayerCount)
}

func TestServiceRejects(t *testing.T) {
	ctx := context.Background()
	svc := newService(seedStore(t, 1))

	_, err := svc.Define(ctx, "g1", "x", []byte(`{"field":"a","op":"like","value":1}`))
	assert.ErrorIs(t, err, ErrMalformedCriteria)

	_, err = svc.Define(ctx, "nope", "x", []byte(`{"and":[]}`))
	assert.ErrorIs(t, err, ErrUnknownGame)

	_, err = svc.Recompute(ctx, "g1", "missing")
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	_, err = svc.Get(ctx, "g1", "missing")
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestRecomputeCancelledKeepsPreviousCount(t *testing.T) {
	svc := newService(seedStore(t, 4))
	ctx := context.Background()

	_, err := svc.Define(ctx, "g1", "all", []byte(`{"and":[]}`))
	require.NoError(t, err)
	_, err = svc.Recompute(ctx, "g1", "all")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = svc.Recompute(cancelled, "g1", "all")
	assert.ErrorIs(t, err, context.Canceled)

	seg, err := svc.Get(ctx, "g1", "all")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seg.PlayerCount)
}

type blockingStore struct {
	*storage.InMemoryStore
	scans   atomic.Int32
	release chan struct{}
}

func (b *blockingStore) ListSessions(ctx context.Context, gameID string, r storage.TimeRange) ([]*models.Session, error) {
	b.scans.Add(1)
	<-b.release
	return b.InMemoryStore.ListSessions(ctx, gameID, r)
}

func TestConcurrentRecomputesShareOneScan(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{InMemoryStore: seedStore(t, 3), release: make(chan struct{})}
	svc := newService(store)
	_, err := svc.Define(ctx, "g1", "all", []byte(`{"and":[]}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]int64, 5)
	start := func(i int) {
		defer wg.Done()
		n, err := svc.Recompute(ctx, "g1", "all")
		assert.NoError(t, err)
		results[i] = n
	}

	wg.Add(1)
	go start(0)
	require.Eventually(t, func() bool { return store.scans.Load() == 1 }, time.Second, time.Millisecond)
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go start(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.scans.Load())
	for _, n := range results {
		assert.Equal(t, int64(3), n)
	}
}

func (s *Service) waitersFor(gameID, name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shares[gameID+"\x00"+name]; ok {
		return sh.waiters
	}
	return 0
}

func TestRecomputeSurvivesCancelledCaller(t *testing.T) {
	store := &blockingStore{InMemoryStore: seedStore(t, 3), release: make(chan struct{})}
	svc := newService(store)
	_, err := svc.Define(context.Background(), "g1", "all", []byte(`{"and":[]}`))
	require.NoError(t, err)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Recompute(first, "g1", "all")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return store.scans.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		n   int64
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := svc.Recompute(context.Background(), "g1", "all")
		second <- result{n, err}
	}()
	require.Eventually(t, func() bool { return svc.waitersFor("g1", "all") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(store.release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, int64(3), res.n)
	assert.Equal(t, int32(1), store.scans.Load())

	seg, err := svc.Get(context.Background(), "g1", "all")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seg.PlayerCount)
}

func TestRecomputeAbortedWhenAllCallersLeave(t *testing.T) {
	store := &blockingStore{InMemoryStore: seedStore(t, 3), release: make(chan struct{})}
	svc := newService(store)
	_, err := svc.Define(context.Background(), "g1", "all", []byte(`{"and":[]}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Recompute(ctx, "g1", "all")
		done <- err
	}()
	require.Eventually(t, func() bool { return store.scans.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, svc.waitersFor("g1", "all"))

	// The next caller starts a fresh scan instead of joining the aborted one.
	close(store.release)
	n, err := svc.Recompute(context.Background(), "g1", "all")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int32(2), store.scans.Load())
}

func TestPreview(t *testing.T) {
	svc := newService(seedStore(t, 4))
	res, err := svc.Preview(context.Background(), "g1", []byte(`{"field":"total_sessions","op":">","value":1}`), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Players)
	assert.Equal(t, int64(3), res.Matched)
	assert.Equal(t, []string{"b", "c"}, res.Sample)
}

func TestRedisCountCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	cache := NewRedisCountCache(client, "test:segment", time.Hour)

	_, _, ok, err := cache.GetCount(ctx, "g1", "s")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.SetCount(ctx, "g1", "s", 10, now))
	require.NoError(t, cache.SetCount(ctx, "g1", "s", 5, now.Add(-time.Hour)))

	count, at, ok, err := cache.GetCount(ctx, "g1", "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), count)
	assert.True(t, at.Equal(now))
}

func TestServiceUsesSharedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	store := seedStore(t, 2)
	cache := NewRedisCountCache(client, "", 0)
	writer := newService(store, WithCountCache(cache))
	_, err := writer.Define(ctx, "g1", "all", []byte(`{"and":[]}`))
	require.NoError(t, err)
	_, err = writer.Recompute(ctx, "g1", "all")
	require.NoError(t, err)

	// Another instance with a stale store view still sees the shared count.
	stale := storage.NewInMemoryStore()
	require.NoError(t, stale.RegisterGame(ctx, "g1", now))
	require.NoError(t, stale.UpsertSegment(ctx, &models.PlayerSegment{GameID: "g1", Name: "all", Criteria: []byte(`{"and":[]}`)}))
	reader := newService(stale, WithCountCache(cache))

	seg, err := reader.Get(ctx, "g1", "all")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seg.PlayerCount)
}
