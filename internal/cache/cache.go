// Package cache keeps a bounded, per symbol recency buffer of ticks.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/rs/zerolog/log"
)

type entry struct {
	tick       storage.MarketTick
	receivedAt time.Time
}

// TickCache stores up to maxTicks ticks per symbol in arrival order.
// One instance is constructed by the initializer and shared by reference.
type TickCache struct {
	mu       sync.RWMutex
	symbols  map[string][]entry
	maxTicks int
	maxAge   time.Duration
	now      func() time.Time
}

// New creates a new tick cache.
func New(maxTicks int, maxAge time.Duration) *TickCache {
	return &TickCache{
		symbols:  make(map[string][]entry),
		maxTicks: maxTicks,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// SetClock replaces the time source, used by tests.
func (c *TickCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// AddTick appends tick to the symbol buffer, evicting the oldest once full.
func (c *TickCache) AddTick(symbol string, tick storage.MarketTick) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.symbols[symbol], entry{tick: tick, receivedAt: c.now()})
	if over := len(buf) - c.maxTicks; over > 0 {
		n := copy(buf, buf[over:])
		buf = buf[:n]
	}
	c.symbols[symbol] = buf
}

// HandleTick is the feed observer form of AddTick.
func (c *TickCache) HandleTick(tick storage.MarketTick) {
	c.AddTick(tick.Symbol, tick)
}

// GetTicks returns a snapshot of the symbol buffer in arrival order.
// Unknown symbol gives an empty slice.
func (c *TickCache) GetTicks(symbol string) []storage.MarketTick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.symbols[symbol]
	out := make([]storage.MarketTick, len(buf))
	for i := range buf {
		out[i] = buf[i].tick
	}
	return out
}

// Symbols returns the symbols currently held.
func (c *TickCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	return out
}

// ClearOldData removes entries older than the max age from every symbol.
// Symbols left without entries are dropped. It returns the number of removed ticks.
func (c *TickCache) ClearOldData() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.maxAge)
	var removed int
	for sym, buf := range c.symbols {
		i := 0
		for i < len(buf) && buf[i].receivedAt.Before(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(buf) {
			delete(c.symbols, sym)
			continue
		}
		n := copy(buf, buf[i:])
		c.symbols[sym] = buf[:n]
	}
	return removed
}

// Run clears old data in the given interval till ctx is canceled.
func (c *TickCache) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if n := c.ClearOldData(); n > 0 {
				log.Debug().Str("component", "cache").Int("removed", n).Msg("old ticks cleared")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
