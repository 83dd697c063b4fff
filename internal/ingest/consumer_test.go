package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

// fakeReader serves queued messages and then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.queue = append(r.queue, kafka.Message{Topic: "telemetry", Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	if len(r.queue) == 0 {
		select {
		case <-r.drained:
		default:
			close(r.drained)
		}
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func runUntilDrained(t *testing.T, c *KafkaConsumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestKafkaConsumerAppliesAndDeadLetters(t *testing.T) {
	svc, store, _ := newTestService(t)
	reader := newFakeReader(
		`{"type":"session","payload":{"session_id":"s1","game_id":"g1","player_id":"p1","start_time":"2024-05-01T09:00:00Z"}}`,
		`{"type":"session","payload":{"session_id":"s1","game_id":"g1","player_id":"p1","start_time":"2024-05-01T09:00:00Z"}}`,
		`{"type":"transaction","payload":{"game_id":"g1","player_id":"p1","product_id":"gems","amount":"-2.00","currency":"USD","timestamp":"2024-05-01T09:01:00Z"}}`,
		`not json`,
		`{"type":"teleport","payload":{}}`,
		`{"type":"session_close","payload":{"game_id":"g1","session_id":"s1","end_time":"2024-05-01T09:10:00Z"}}`,
		`{"type":"events","payload":[{"game_id":"g1","player_id":"p1","event_name":"level_start","timestamp":"2024-05-01T09:02:00Z"}]}`,
	)
	dl := &fakeWriter{}
	consumer := NewKafkaConsumer(reader, dl, svc, zap.NewNop(), nil, ConsumerConfig{RetryBackoff: time.Millisecond})

	runUntilDrained(t, consumer, reader)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, reader.committed)
	require.Len(t, dl.msgs, 3)
	assert.Equal(t, "error", dl.msgs[0].Headers[0].Key)

	ctx := context.Background()
	sess, err := store.GetSession(ctx, "g1", "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.DurationSeconds)
	assert.Equal(t, int64(600), *sess.DurationSeconds)

	events, err := store.ListEvents(ctx, "g1", storage.AllTime)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// flakyStore fails the first transaction writes.
type flakyStore struct {
	*storage.InMemoryStore
	failures atomic.Int32
}

func (f *flakyStore) InsertTransaction(ctx context.Context, t *models.MonetizationTransaction) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.InMemoryStore.InsertTransaction(ctx, t)
}

func TestKafkaConsumerRetriesStoreFailures(t *testing.T) {
	store := &flakyStore{InMemoryStore: storage.NewInMemoryStore()}
	store.failures.Store(2)
	svc := NewService(store, zap.NewNop())

	reader := newFakeReader(
		`{"type":"transaction","payload":{"transaction_id":"t1","game_id":"g1","player_id":"p1","product_id":"gems","amount":"4.99","currency":"USD","timestamp":"2024-05-01T09:01:00Z"}}`,
	)
	dl := &fakeWriter{}
	consumer := NewKafkaConsumer(reader, dl, svc, zap.NewNop(), nil, ConsumerConfig{MaxRetries: 3, RetryBackoff: time.Millisecond})

	runUntilDrained(t, consumer, reader)

	assert.Empty(t, dl.msgs)
	txs, err := store.ListTransactions(context.Background(), "g1", storage.AllTime)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "4.99", txs[0].Amount.StringFixed(2))
}
