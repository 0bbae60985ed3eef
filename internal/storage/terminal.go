package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Terminal is for displaying data on terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

// TerminalTimestamp is used as a format to display only the time.
const TerminalTimestamp = "15:04:05.999"

// NewTerminal initializes terminal display.
// Output writer is always os.Stdout except in case of testing where a buffer will be set as output terminal.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

// Name returns the storage name used in config.
func (t *Terminal) Name() string { return "terminal" }

// CommitTicks batch outputs input tick data to terminal.
func (t *Terminal) CommitTicks(_ context.Context, data []MarketTick) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tick := range data {
		_, err := fmt.Fprintf(t.out, "%-15s%-15s%20f%20f%20s\n", "Tick", tick.Symbol, tick.Price, tick.Volume, tick.Time().Local().Format(TerminalTimestamp))
		if err != nil {
			return err
		}
	}
	return nil
}
