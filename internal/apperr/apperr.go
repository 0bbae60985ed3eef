// Package apperr holds the error types shared by the tick pipeline and the codes
// they map to on the client websocket protocol.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Client protocol error codes.
const (
	CodeUnknown      = 1000
	CodeConnection   = 1001
	CodeSubscription = 1002
	CodeRateLimit    = 1003
)

// ConnectionError is a failure establishing or maintaining a client connection.
type ConnectionError struct {
	ClientID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %v: %v", e.ClientID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError is a malformed subscribe / unsubscribe command.
type SubscriptionError struct {
	Reason string
}

func (e *SubscriptionError) Error() string {
	return "subscription: " + e.Reason
}

// RateLimitError is returned when admission is denied for a client.
type RateLimitError struct {
	ClientID string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for client %v", e.ClientID)
}

// StoreWriteError is a failed flush of a batch to a storage.
type StoreWriteError struct {
	Storage string
	Count   int
	Err     error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%v commit of %v ticks: %v", e.Storage, e.Count, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// ParseError is a malformed upstream or client message.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %v message: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Code returns the client protocol error code for err.
func Code(err error) int {
	var (
		connErr *ConnectionError
		subErr  *SubscriptionError
		rateErr *RateLimitError
	)
	switch {
	case errors.As(err, &rateErr):
		return CodeRateLimit
	case errors.As(err, &subErr):
		return CodeSubscription
	case errors.As(err, &connErr):
		return CodeConnection
	default:
		return CodeUnknown
	}
}
