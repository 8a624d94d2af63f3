package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

// Per-record batch write outcomes
const (
	OutcomeCreated          = "created"
	OutcomeDuplicateInBatch = "duplicate_in_batch"
	OutcomeDuplicateBlocked = "duplicate_blocked"
	OutcomeFailed           = "failed"
)

// ErrBatcherFull is returned when the queue is over its soft cap; callers
// shed the record to the spill instead of growing the queue unbounded.
var ErrBatcherFull = errors.New("cloud batch queue is full")

// BatcherConfig holds the cloud batcher parameters.
type BatcherConfig struct {
	// FlushSize triggers an immediate flush when the queue reaches it.
	FlushSize int
	// FlushInterval flushes a partial batch this long after its first item.
	FlushInterval time.Duration
	// Concurrency bounds simultaneous flushes.
	Concurrency int
	// SoftCap sheds enqueues beyond this queue depth.
	SoftCap int
	// Clock is swappable for tests; nil means the real clock.
	Clock clockwork.Clock
}

// DefaultBatcherConfig returns the production batching policy.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		FlushSize:     500,
		FlushInterval: time.Second,
		Concurrency:   2,
		SoftCap:       10000,
	}
}

// BatchResult is the resolved outcome of one enqueued record.
type BatchResult struct {
	Outcome string
	Err     error
}

// OK reports whether the record is durably in the cloud (including the
// duplicate outcomes, which mean an equivalent record already is).
func (r BatchResult) OK() bool {
	return r.Outcome != OutcomeFailed
}

type batchItem struct {
	path   string
	record types.AttendanceRecord
	result chan BatchResult
}

// BatcherStats captures batcher counters for the stats surface.
type BatcherStats struct {
	QueueDepth        int   `json:"queueDepth"`
	Flushes           int64 `json:"flushes"`
	Created           int64 `json:"created"`
	DuplicatesInBatch int64 `json:"duplicatesInBatch"`
	DuplicatesBlocked int64 `json:"duplicatesBlocked"`
	Failed            int64 `json:"failed"`
}

// Batcher accumulates attendance writes and flushes them to the cloud store
// in one round trip. Flush fires at FlushSize items or FlushInterval after
// the first enqueue, whichever comes first; at most Concurrency flushes run
// at a time.
type Batcher struct {
	cfg    BatcherConfig
	store  store.DocumentStore
	clock  clockwork.Clock
	pool   pond.Pool
	logger *logrus.Entry

	mu      sync.Mutex
	queue   []batchItem
	timer   clockwork.Timer
	closed  bool
	stats   BatcherStats
	flushWG sync.WaitGroup
}

// NewBatcher creates a batcher writing to the given store.
func NewBatcher(cfg BatcherConfig, docs store.DocumentStore, logger *logrus.Logger) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = def.FlushSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = def.SoftCap
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Batcher{
		cfg:    cfg,
		store:  docs,
		clock:  clk,
		pool:   pond.NewPool(cfg.Concurrency),
		logger: logging.NewServiceLogger(logger, "cloud-batcher"),
	}
}

// Enqueue adds a record to the pending batch and returns a channel resolving
// to its outcome. ErrBatcherFull means the caller should spill instead.
func (b *Batcher) Enqueue(record types.AttendanceRecord) (<-chan BatchResult, error) {
	item := batchItem{
		path:   record.StorePath(),
		record: record,
		result: make(chan BatchResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("batcher is closed")
	}
	if len(b.queue) >= b.cfg.SoftCap {
		b.mu.Unlock()
		return nil, ErrBatcherFull
	}
	b.queue = append(b.queue, item)
	shouldFlush := len(b.queue) >= b.cfg.FlushSize
	if !shouldFlush && b.timer == nil {
		b.timer = b.clock.AfterFunc(b.cfg.FlushInterval, b.flushTimer)
	}
	if shouldFlush {
		b.takeAndFlushLocked()
	}
	b.mu.Unlock()

	return item.result, nil
}

// Flush forces the pending batch out immediately, for shutdown and tests.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.takeAndFlushLocked()
	b.mu.Unlock()
	b.flushWG.Wait()
}

// Close flushes pending work and stops the flush pool. It reports records
// that could not be written during the shutdown flush.
func (b *Batcher) Close() error {
	b.mu.Lock()
	b.closed = true
	failedBefore := b.stats.Failed
	b.takeAndFlushLocked()
	b.mu.Unlock()
	b.flushWG.Wait()
	b.pool.StopAndWait()

	b.mu.Lock()
	lost := b.stats.Failed - failedBefore
	b.mu.Unlock()
	if lost > 0 {
		return fmt.Errorf("final flush failed for %d records", lost)
	}
	return nil
}

// Stats returns current batcher counters.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.QueueDepth = len(b.queue)
	return stats
}

func (b *Batcher) flushTimer() {
	b.mu.Lock()
	b.takeAndFlushLocked()
	b.mu.Unlock()
}

// takeAndFlushLocked detaches the queued items and hands them to the flush
// pool. Caller holds b.mu.
func (b *Batcher) takeAndFlushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		return
	}
	items := b.queue
	b.queue = nil
	b.stats.Flushes++

	b.flushWG.Add(1)
	b.pool.Submit(func() {
		defer b.flushWG.Done()
		b.flush(items)
	})
}

// flush writes one detached batch. Duplicate paths within the batch resolve
// duplicate_in_batch with the first item winning. A failed batch write falls
// back to one individual create per item, where an already-exists collision
// resolves duplicate_blocked.
func (b *Batcher) flush(items []batchItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	docs := make(map[string]any, len(items))
	winners := make([]batchItem, 0, len(items))
	for _, item := range items {
		if _, taken := docs[item.path]; taken {
			b.resolve(item, BatchResult{Outcome: OutcomeDuplicateInBatch})
			continue
		}
		docs[item.path] = item.record
		winners = append(winners, item)
	}

	if err := b.store.BatchSet(ctx, docs); err == nil {
		for _, item := range winners {
			b.resolve(item, BatchResult{Outcome: OutcomeCreated})
		}
		return
	} else {
		b.logger.WithError(err).WithField("size", len(winners)).
			Warn("Batch write failed, retrying records individually")
	}

	for _, item := range winners {
		err := b.store.Create(ctx, item.path, item.record)
		switch {
		case err == nil:
			b.resolve(item, BatchResult{Outcome: OutcomeCreated})
		case errors.Is(err, store.ErrAlreadyExists):
			b.resolve(item, BatchResult{Outcome: OutcomeDuplicateBlocked})
		default:
			b.resolve(item, BatchResult{Outcome: OutcomeFailed, Err: err})
		}
	}
}

func (b *Batcher) resolve(item batchItem, result BatchResult) {
	b.mu.Lock()
	switch result.Outcome {
	case OutcomeCreated:
		b.stats.Created++
	case OutcomeDuplicateInBatch:
		b.stats.DuplicatesInBatch++
	case OutcomeDuplicateBlocked:
		b.stats.DuplicatesBlocked++
	case OutcomeFailed:
		b.stats.Failed++
	}
	b.mu.Unlock()

	item.result <- result
}
