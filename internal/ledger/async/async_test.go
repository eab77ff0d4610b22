package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumia1998/AnuNeko/internal/ledger"
)

type memStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	closed  bool
	block   chan struct{}
}

func (m *memStore) Record(_ context.Context, e ledger.Entry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) Summary(_ context.Context, id string) (ledger.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s ledger.Summary
	for _, e := range m.entries {
		if e.SessionID == id {
			s.Turns++
			s.PromptTokens += e.PromptTokens
		}
	}
	return s.Finish(), nil
}

func (m *memStore) ListBySession(context.Context, string, int) ([]ledger.Entry, error) {
	return nil, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestFlushOnBatchSize(t *testing.T) {
	mem := &memStore{}
	s := New(mem, Config{BatchSize: 2, FlushInterval: time.Hour})
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, ledger.Entry{SessionID: "a"}))
	require.NoError(t, s.Record(ctx, ledger.Entry{SessionID: "a"}))
	assert.Eventually(t, func() bool { return mem.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushOnInterval(t *testing.T) {
	mem := &memStore{}
	s := New(mem, Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer s.Close()

	require.NoError(t, s.Record(context.Background(), ledger.Entry{SessionID: "a", PromptTokens: 3}))
	assert.Eventually(t, func() bool { return mem.count() == 1 }, time.Second, 5*time.Millisecond)
	sum, err := s.Summary(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.PromptTokens)
}

func TestCloseDrainsQueue(t *testing.T) {
	mem := &memStore{}
	s := New(mem, Config{BatchSize: 100, FlushInterval: time.Hour, NumWorkers: 3})
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Record(context.Background(), ledger.Entry{SessionID: "a"}))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 25, mem.count())
	assert.True(t, mem.closed)
	require.NoError(t, s.Close())
}

func TestFullQueueDrops(t *testing.T) {
	mem := &memStore{block: make(chan struct{})}
	s := New(mem, Config{BatchSize: 1, FlushInterval: time.Hour, ChannelBuffer: 1})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, ledger.Entry{SessionID: "a"}))
	}
	assert.Positive(t, s.Dropped())
	close(mem.block)
	require.NoError(t, s.Close())
}

func TestRecordValidates(t *testing.T) {
	s := New(&memStore{}, Config{})
	defer s.Close()
	assert.True(t, errors.Is(s.Record(context.Background(), ledger.Entry{}), ledger.ErrMissingSession))
}

type batchStore struct {
	memStore
	batches []int
	fail    bool
}

func (b *batchStore) RecordBatch(_ context.Context, entries []ledger.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("constraint violated")
	}
	b.batches = append(b.batches, len(entries))
	b.entries = append(b.entries, entries...)
	return nil
}

func TestUsesBatchInsert(t *testing.T) {
	store := &batchStore{}
	s := New(store, Config{BatchSize: 3, FlushInterval: time.Hour})
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Record(context.Background(), ledger.Entry{SessionID: "a"}))
	}
	require.NoError(t, s.Close())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.entries, 7)
	assert.Equal(t, []int{3, 3, 1}, store.batches)
}

func TestFailedBatchFallsBackToRows(t *testing.T) {
	store := &batchStore{fail: true}
	s := New(store, Config{BatchSize: 2, FlushInterval: time.Hour})
	require.NoError(t, s.Record(context.Background(), ledger.Entry{SessionID: "a"}))
	require.NoError(t, s.Record(context.Background(), ledger.Entry{SessionID: "b"}))
	require.NoError(t, s.Close())

	assert.Equal(t, 2, store.count())
	assert.Empty(t, store.batches)
	assert.Zero(t, s.Pending())
}
