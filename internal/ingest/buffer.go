// Package ingest batches ticks in memory and flushes them to a storage.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milkywaybrain/tickhub/internal/apperr"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// finalFlushTimeout bounds the flush done on shutdown.
const finalFlushTimeout = 5 * time.Second

// Buffer queues ticks for one storage and flushes them in batches.
// A failed batch is put back in front of the queue and retried, so delivery is at least once.
// The queue is capped; past the cap the oldest ticks are dropped.
type Buffer struct {
	store       storage.Committer
	commitBuf   int
	interval    time.Duration
	maxBuffered int

	mu      sync.Mutex
	queue   []storage.MarketTick
	failing bool

	flushMu sync.Mutex
	trigger chan struct{}
	dropped int64
	flushed int64
}

// New creates a new ingestion buffer for store.
func New(store storage.Committer, cfg *config.Ingestion) *Buffer {
	return &Buffer{
		store:       store,
		commitBuf:   cfg.CommitBuf,
		interval:    time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		maxBuffered: cfg.MaxBuffered,
		queue:       make([]storage.MarketTick, 0, cfg.CommitBuf),
		trigger:     make(chan struct{}, 1),
	}
}

// AddTick appends one tick to the queue.
func (b *Buffer) AddTick(tick storage.MarketTick) {
	b.mu.Lock()
	b.queue = append(b.queue, tick)
	b.capLocked()
	full := len(b.queue) >= b.commitBuf && !b.failing
	b.mu.Unlock()
	if full {
		b.signal()
	}
}

// AddBatch appends ticks to the queue keeping their order.
func (b *Buffer) AddBatch(ticks []storage.MarketTick) {
	if len(ticks) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, ticks...)
	b.capLocked()
	full := len(b.queue) >= b.commitBuf && !b.failing
	b.mu.Unlock()
	if full {
		b.signal()
	}
}

func (b *Buffer) signal() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// capLocked drops the oldest ticks beyond the cap. Must be called with mu held.
func (b *Buffer) capLocked() {
	over := len(b.queue) - b.maxBuffered
	if over <= 0 {
		return
	}
	n := copy(b.queue, b.queue[over:])
	b.queue = b.queue[:n]
	atomic.AddInt64(&b.dropped, int64(over))
	log.Warn().Str("component", "ingest").Str("storage", b.store.Name()).Int("dropped", over).Msg("buffer cap reached, oldest ticks dropped")
}

// Len returns the number of queued ticks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns the number of ticks dropped because of the cap.
func (b *Buffer) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Flushed returns the number of ticks committed so far.
func (b *Buffer) Flushed() int64 {
	return atomic.LoadInt64(&b.flushed)
}

// Flush commits the current queue. On failure the batch is merged back in
// front of ticks queued meanwhile and a *apperr.StoreWriteError is returned.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = make([]storage.MarketTick, 0, b.commitBuf)
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := b.store.CommitTicks(ctx, batch)
	if err != nil {
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		b.capLocked()
		b.failing = true
		b.mu.Unlock()
		return &apperr.StoreWriteError{Storage: b.store.Name(), Count: len(batch), Err: err}
	}

	b.mu.Lock()
	b.failing = false
	b.mu.Unlock()
	atomic.AddInt64(&b.flushed, int64(len(batch)))
	return nil
}

// Run flushes on the configured interval or whenever the queue reaches the
// commit buffer size, till ctx is canceled. A last flush is tried before returning.
// Size triggers are ignored while the storage is failing, so retries happen on the interval.
func (b *Buffer) Run(ctx context.Context) error {
	tick := time.NewTicker(b.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			b.flushAndLog(ctx)
		case <-b.trigger:
			b.flushAndLog(ctx)
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			b.flushAndLog(finalCtx)
			cancel()
			return ctx.Err()
		}
	}
}

func (b *Buffer) flushAndLog(ctx context.Context) {
	err := b.Flush(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Error().Stack().Err(errors.WithStack(err)).Str("component", "ingest").Int("queued", b.Len()).Msg("flush failed, batch kept for retry")
}
