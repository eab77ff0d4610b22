package async

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumia1998/AnuNeko/internal/ledger"
	"github.com/lumia1998/AnuNeko/internal/metrics"
)

// Store takes usage recording off the completion path. Entries are queued in
// memory and written in batches; entries still queued when the process dies
// are lost.
type Store struct {
	underlying   ledger.Store
	batch        ledger.BatchRecorder // nil when the store has no batch insert
	queue        chan ledger.Entry
	batchSize    int
	interval     time.Duration
	flushTimeout time.Duration
	logger       *log.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Config configures batching.
type Config struct {
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 1s
	ChannelBuffer int           // default 10000
	NumWorkers    int           // default 1
	FlushTimeout  time.Duration // per flush, default 10s
	Logger        *log.Logger
}

// New wraps underlying with asynchronous batch writes.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	s := &Store{
		underlying:   underlying,
		queue:        make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:    cfg.BatchSize,
		interval:     cfg.FlushInterval,
		flushTimeout: cfg.FlushTimeout,
		logger:       cfg.Logger,
	}
	if br, ok := underlying.(ledger.BatchRecorder); ok {
		s.batch = br
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logf("started workers=%d batch_size=%d flush_interval=%v buffer=%d batched=%v",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer, s.batch != nil)
	return s
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("async ledger: "+format, args...)
	}
}

func (s *Store) worker(id int) {
	defer s.wg.Done()

	pending := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-s.queue:
			if !ok {
				s.flush(id, pending)
				return
			}
			pending = append(pending, entry)
			if len(pending) >= s.batchSize {
				s.flush(id, pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			s.flush(id, pending)
			pending = pending[:0]
		}
	}
}

// flush writes entries in one transaction when the store supports it. A
// failed batch is retried row by row so one bad entry does not lose the rest.
func (s *Store) flush(worker int, entries []ledger.Entry) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	if s.batch != nil {
		err := s.batch.RecordBatch(ctx, entries)
		if err == nil {
			metrics.RecordLedgerFlush(true)
			return
		}
		s.logf("worker-%d batch of %d failed, retrying per entry: %v", worker, len(entries), err)
	}
	failed := 0
	for _, entry := range entries {
		if err := s.underlying.Record(ctx, entry); err != nil {
			failed++
			s.logf("worker-%d write failed session=%s: %v", worker, entry.SessionID, err)
		}
	}
	metrics.RecordLedgerFlush(failed == 0)
	if failed > 0 {
		s.logf("worker-%d flushed %d/%d entries", worker, len(entries)-failed, len(entries))
	}
}

// Record queues an entry without blocking. A full queue drops the entry and
// counts it. After Close entries are written directly.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	entry, err := ledger.Normalize(entry)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return s.underlying.Record(ctx, entry)
	}
	select {
	case s.queue <- entry:
		return nil
	default:
		s.dropped.Add(1)
		metrics.RecordLedgerDropped()
		s.logf("queue full, dropping entry session=%s", entry.SessionID)
		return nil
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Pending reports the number of queued entries.
func (s *Store) Pending() int { return len(s.queue) }

// Summary reads through to the underlying store; queued entries are not
// included until flushed.
func (s *Store) Summary(ctx context.Context, sessionID string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, sessionID)
}

func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListBySession(ctx, sessionID, limit)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.underlying.Ping(ctx)
}

// Close drains the queue and closes the underlying store. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	return s.underlying.Close()
}
