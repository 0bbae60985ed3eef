// Package ratelimit implements sliding window admission control per client identity.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Limiter admits at most max events per client within any trailing window.
// Thread-safe.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	history map[string][]time.Time
	now     func() time.Time
}

// New creates a new sliding window limiter.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the time source, used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// CanProcess prunes admissions older than the window start and admits the call
// if fewer than max remain. A denied call is not recorded.
func (l *Limiter) CanProcess(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hist := prune(l.history[clientID], now.Add(-l.window))
	if len(hist) >= l.max {
		l.history[clientID] = hist
		return false
	}
	l.history[clientID] = append(hist, now)
	return true
}

// prune drops timestamps before start. Timestamps are in admission order.
func prune(hist []time.Time, start time.Time) []time.Time {
	i := 0
	for i < len(hist) && hist[i].Before(start) {
		i++
	}
	if i == 0 {
		return hist
	}
	// Copy down so the backing array does not keep growing.
	n := copy(hist, hist[i:])
	return hist[:n]
}

// Sweep removes identities whose newest admission has left the window.
// It returns the number of removed identities.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now().Add(-l.window)
	var removed int
	for id, hist := range l.history {
		if len(hist) == 0 || hist[len(hist)-1].Before(start) {
			delete(l.history, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked identities.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// Run sweeps idle identities in the given interval till ctx is canceled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if n := l.Sweep(); n > 0 {
				log.Debug().Str("component", "ratelimit").Int("removed", n).Msg("idle clients swept")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
