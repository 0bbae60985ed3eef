package storage

import (
	"context"
	"strings"
	"time"
)

// MarketTick represents final form of market price info received from the feed
// ready to cache, dispatch and store.
// It is never mutated after creation.
type MarketTick struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Volume    float64  `json:"volume"`
	Timestamp string   `json:"timestamp"`
	Open      *float64 `json:"open,omitempty"`
	High      *float64 `json:"high,omitempty"`
	Low       *float64 `json:"low,omitempty"`
	Close     *float64 `json:"close,omitempty"`
}

// TickTimestamp is the ISO-8601 layout of MarketTick.Timestamp.
const TickTimestamp = time.RFC3339Nano

// Time parses the tick timestamp, falling back to now if it is not valid.
func (t MarketTick) Time() time.Time {
	ts, err := time.Parse(TickTimestamp, t.Timestamp)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}

// NormalizeSymbol upper cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Committer is a storage system which accepts batches of ticks.
type Committer interface {
	Name() string
	CommitTicks(ctx context.Context, data []MarketTick) error
}

// requestCtx returns a context bounded by the configured request timeout.
func requestCtx(appCtx context.Context, timeoutSec int) (context.Context, context.CancelFunc) {
	if timeoutSec > 0 {
		return context.WithTimeout(appCtx, time.Duration(timeoutSec)*time.Second)
	}
	return context.WithCancel(appCtx)
}
