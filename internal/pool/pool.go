// Package pool tracks live client connections behind admission control.
package pool

import (
	"sync"
	"time"

	"github.com/milkywaybrain/tickhub/internal/apperr"
	"github.com/milkywaybrain/tickhub/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Conn.Send once the connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is a live client connection.
// Send must not block; it fails when the outbound queue of the client is full,
// or with ErrClosed when the client already went away.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close() error
	AdmittedAt() time.Time
}

// Admitter decides whether a client identity may open a connection.
type Admitter interface {
	CanProcess(clientID string) bool
}

// Pool maps client ids to their connection.
type Pool struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	admitter Admitter
	metrics  *metrics.Collector
}

// New creates a new connection pool.
func New(admitter Admitter, collector *metrics.Collector) *Pool {
	return &Pool{
		conns:    make(map[string]Conn),
		admitter: admitter,
		metrics:  collector,
	}
}

// AddConnection admits and stores conn under clientID.
// A denied admission returns *apperr.RateLimitError and conn is not stored.
// A previous connection with the same id is closed and replaced.
func (p *Pool) AddConnection(clientID string, conn Conn) error {
	if !p.admitter.CanProcess(clientID) {
		return &apperr.RateLimitError{ClientID: clientID}
	}

	p.mu.Lock()
	old, replaced := p.conns[clientID]
	p.conns[clientID] = conn
	p.mu.Unlock()

	if replaced {
		log.Warn().Str("component", "pool").Str("client", clientID).Msg("duplicate client id, closing previous connection")
		if err := old.Close(); err != nil {
			log.Debug().Str("component", "pool").Str("client", clientID).Err(err).Msg("close replaced connection")
		}
		return nil
	}
	p.metrics.IncrementConnections()
	return nil
}

// RemoveConnection closes and forgets the connection of clientID.
// Calling it for an unknown id is a no-op.
func (p *Pool) RemoveConnection(clientID string) {
	p.mu.Lock()
	conn, ok := p.conns[clientID]
	if ok {
		delete(p.conns, clientID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	p.metrics.DecrementConnections()
	if err := conn.Close(); err != nil {
		log.Debug().Str("component", "pool").Str("client", clientID).Err(err).Msg("close connection")
	}
}

// Release forgets conn only if it still owns its id, and reports whether it did.
// Session teardown uses it so a replaced connection never evicts its successor.
func (p *Pool) Release(conn Conn) bool {
	p.mu.Lock()
	cur, ok := p.conns[conn.ID()]
	owner := ok && cur == conn
	if owner {
		delete(p.conns, conn.ID())
	}
	p.mu.Unlock()

	if owner {
		p.metrics.DecrementConnections()
	}
	return owner
}

// GetConnection returns the connection of clientID.
func (p *Pool) GetConnection(clientID string) (Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[clientID]
	return conn, ok
}

// GetActiveConnections returns the number of stored connections.
func (p *Pool) GetActiveConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// CloseAll closes every connection, used on shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		p.metrics.DecrementConnections()
		_ = conn.Close()
	}
}
