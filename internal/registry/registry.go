// Package registry maps symbols to subscribed clients and fans ticks out to them.
package registry

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/apperr"
	"github.com/milkywaybrain/tickhub/internal/metrics"
	"github.com/milkywaybrain/tickhub/internal/pool"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Upstream is the feed side of a subscription.
type Upstream interface {
	Connect()
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// Resolver resolves a client id to its live connection.
type Resolver interface {
	GetConnection(clientID string) (pool.Conn, bool)
}

// Registry owns the symbol -> client ids relation.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}

	// upstreamMu orders upstream subscribe and release of a symbol with the
	// subscriber state they were decided on.
	upstreamMu sync.Mutex

	upstream      Upstream
	conns         Resolver
	metrics       *metrics.Collector
	releaseOnIdle bool
}

// New creates a new subscription registry.
// With releaseOnIdle the upstream subscription of a symbol is dropped when its last subscriber leaves.
func New(upstream Upstream, conns Resolver, collector *metrics.Collector, releaseOnIdle bool) *Registry {
	return &Registry{
		subs:          make(map[string]map[string]struct{}),
		upstream:      upstream,
		conns:         conns,
		metrics:       collector,
		releaseOnIdle: releaseOnIdle,
	}
}

// Subscribe adds clientID to the subscribers of symbol.
// The first subscriber of a symbol makes sure the feed is connected and subscribed upstream.
func (r *Registry) Subscribe(clientID, symbol string) error {
	symbol = storage.NormalizeSymbol(symbol)
	if symbol == "" {
		return &apperr.SubscriptionError{Reason: "symbol is required"}
	}

	r.mu.Lock()
	set, ok := r.subs[symbol]
	if !ok {
		set = make(map[string]struct{})
		r.subs[symbol] = set
	}
	set[clientID] = struct{}{}
	r.mu.Unlock()

	if ok {
		return nil
	}

	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()
	if !r.hasSubscribers(symbol) {
		return nil
	}
	r.upstream.Connect()
	if err := r.upstream.Subscribe(symbol); err != nil {
		// The symbol stays in the feed set and is subscribed again on reconnect.
		log.Error().Stack().Err(errors.WithStack(err)).Str("component", "registry").Str("symbol", symbol).Msg("upstream subscribe")
	}
	return nil
}

func (r *Registry) hasSubscribers(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[symbol]
	return ok
}

// Unsubscribe removes clientID from the subscribers of symbol.
// The symbol entry is deleted once empty.
func (r *Registry) Unsubscribe(clientID, symbol string) error {
	symbol = storage.NormalizeSymbol(symbol)
	if symbol == "" {
		return &apperr.SubscriptionError{Reason: "symbol is required"}
	}

	r.mu.Lock()
	idle := r.removeLocked(clientID, symbol)
	r.mu.Unlock()

	if idle {
		r.release(symbol)
	}
	return nil
}

// UnsubscribeAll removes clientID from every symbol. It returns the symbols it was subscribed to.
func (r *Registry) UnsubscribeAll(clientID string) []string {
	var (
		removed []string
		idle    []string
	)
	r.mu.Lock()
	for sym, set := range r.subs {
		if _, ok := set[clientID]; !ok {
			continue
		}
		removed = append(removed, sym)
		if r.removeLocked(clientID, sym) {
			idle = append(idle, sym)
		}
	}
	r.mu.Unlock()

	for _, sym := range idle {
		r.release(sym)
	}
	return removed
}

// removeLocked reports whether the symbol lost its last subscriber. Must be called with mu held.
func (r *Registry) removeLocked(clientID, symbol string) bool {
	set, ok := r.subs[symbol]
	if !ok {
		return false
	}
	if _, ok = set[clientID]; !ok {
		return false
	}
	delete(set, clientID)
	if len(set) > 0 {
		return false
	}
	delete(r.subs, symbol)
	return true
}

func (r *Registry) release(symbol string) {
	if !r.releaseOnIdle {
		return
	}
	r.upstreamMu.Lock()
	defer r.upstreamMu.Unlock()
	// A subscriber may have come back in the meantime. Its upstream subscribe
	// waits for this release, so it is sent after the unsubscribe.
	if r.hasSubscribers(symbol) {
		return
	}
	if err := r.upstream.Unsubscribe(symbol); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("component", "registry").Str("symbol", symbol).Msg("upstream unsubscribe")
	}
}

// Subscribers returns a snapshot of the client ids subscribed to symbol.
func (r *Registry) Subscribers(symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[storage.NormalizeSymbol(symbol)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Symbols returns the symbols with at least one subscriber.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for sym := range r.subs {
		out = append(out, sym)
	}
	return out
}

// Dispatch writes tick to every subscriber of its symbol.
// The subscriber set is snapshotted first, so concurrent (un)subscribes and
// disconnects never interfere with the loop. Clients without a live connection
// are skipped, as are connections already closed. A client whose queue is full is disconnected.
func (r *Registry) Dispatch(tick storage.MarketTick) {
	started := time.Now()
	ids := r.Subscribers(tick.Symbol)
	if len(ids) == 0 {
		return
	}

	frame, err := jsoniter.Marshal(tick)
	if err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("component", "registry").Msg("")
		r.metrics.IncrementErrors()
		return
	}

	for _, id := range ids {
		conn, ok := r.conns.GetConnection(id)
		if !ok {
			continue
		}
		if err := conn.Send(frame); err != nil {
			if errors.Is(err, pool.ErrClosed) {
				// Hung up, teardown is on its way.
				continue
			}
			r.metrics.IncrementErrors()
			log.Warn().Str("component", "registry").Str("client", id).Err(err).Msg("slow consumer disconnected")
			_ = conn.Close()
			continue
		}
		r.metrics.IncrementSent()
	}
	r.metrics.RecordLatency(float64(time.Since(started).Microseconds()) / 1000)
}
