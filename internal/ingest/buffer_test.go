package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/milkywaybrain/tickhub/internal/apperr"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	fail    bool
	batches [][]storage.MarketTick
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) CommitTicks(_ context.Context, data []storage.MarketTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	batch := make([]storage.MarketTick, len(data))
	copy(batch, data)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeStore) all() []storage.MarketTick {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.MarketTick
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func tick(price float64) storage.MarketTick {
	return storage.MarketTick{Symbol: "BTCUSDT", Price: price, Volume: 1, Timestamp: "2024-03-01T10:00:00Z"}
}

func prices(ticks []storage.MarketTick) []float64 {
	out := make([]float64, len(ticks))
	for i, t := range ticks {
		out[i] = t.Price
	}
	return out
}

func ingestionCfg(commitBuf, intervalMs, max int) *config.Ingestion {
	return &config.Ingestion{CommitBuf: commitBuf, FlushIntervalMs: intervalMs, MaxBuffered: max}
}

func TestFlushFailureKeepsBatch(t *testing.T) {
	store := &fakeStore{}
	b := New(store, ingestionCfg(10, 1000, 100))

	b.AddBatch([]storage.MarketTick{tick(1), tick(2), tick(3)})
	store.setFail(true)

	err := b.Flush(context.Background())
	require.Error(t, err)
	var writeErr *apperr.StoreWriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, 3, writeErr.Count)
	assert.Equal(t, 3, b.Len())

	b.AddTick(tick(4))
	store.setFail(false)
	require.NoError(t, b.Flush(context.Background()))

	assert.Equal(t, []float64{1, 2, 3, 4}, prices(store.all()))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(4), b.Flushed())
}

func TestFlushEmptyQueue(t *testing.T) {
	store := &fakeStore{}
	b := New(store, ingestionCfg(10, 1000, 100))
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, store.batchCount())
}

func TestCapDropsOldest(t *testing.T) {
	store := &fakeStore{fail: true}
	b := New(store, ingestionCfg(2, 1000, 4))

	for i := 1; i <= 6; i++ {
		b.AddTick(tick(float64(i)))
	}
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, int64(2), b.Dropped())

	require.Error(t, b.Flush(context.Background()))
	b.AddTick(tick(7))
	assert.Equal(t, int64(3), b.Dropped())

	store.setFail(false)
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []float64{4, 5, 6, 7}, prices(store.all()))
}

func TestRunFlushesOnSize(t *testing.T) {
	store := &fakeStore{}
	b := New(store, ingestionCfg(3, 60000, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.AddTick(tick(1))
	b.AddTick(tick(2))
	b.AddTick(tick(3))

	require.Eventually(t, func() bool { return store.batchCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{1, 2, 3}, prices(store.all()))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunFlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	b := New(store, ingestionCfg(1000, 20, 2000))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.AddTick(tick(1))
	require.Eventually(t, func() bool { return len(store.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunRetriesAfterFailure(t *testing.T) {
	store := &fakeStore{fail: true}
	b := New(store, ingestionCfg(2, 20, 100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	b.AddBatch([]storage.MarketTick{tick(1), tick(2)})
	time.Sleep(60 * time.Millisecond)
	b.AddTick(tick(3))
	store.setFail(false)

	require.Eventually(t, func() bool { return len(store.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []float64{1, 2, 3}, prices(store.all()))
}

func TestRunFinalFlush(t *testing.T) {
	store := &fakeStore{}
	b := New(store, ingestionCfg(1000, 60000, 2000))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	b.AddTick(tick(1))
	cancel()
	<-done
	assert.Equal(t, []float64{1}, prices(store.all()))
}
