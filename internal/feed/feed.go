// Package feed keeps a persistent websocket connection to the market data provider,
// parses inbound ticks and publishes them to every registered observer.
package feed

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/apperr"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/connector"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TickFunc receives parsed ticks. It is called from the read goroutine and must not block.
type TickFunc func(tick storage.MarketTick)

// Client is the upstream feed client.
type Client struct {
	url   string
	wsCfg *config.WS
	retry config.Retry

	connectReq  chan struct{}
	connectOnce sync.Once
	stopped     int32
	connected   int32

	mu      sync.Mutex
	ws      *connector.Websocket
	symbols []string
	cancel  context.CancelFunc

	obsMu    sync.RWMutex
	tickObs  []TickFunc
	histObs  []TickFunc
	received int64
}

type wsReq struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

type wsResp struct {
	Type    string    `json:"type"`
	Payload wsPayload `json:"payload"`
}

type wsPayload struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Volume    float64  `json:"volume"`
	Timestamp string   `json:"timestamp"`
	Open      *float64 `json:"open"`
	High      *float64 `json:"high"`
	Low       *float64 `json:"low"`
	Close     *float64 `json:"close"`
}

// New creates a feed client for the configured symbols. Nothing is dialed until Connect.
func New(cfg *config.Feed, wsCfg *config.WS) *Client {
	c := &Client{
		url:        cfg.URL,
		wsCfg:      wsCfg,
		retry:      cfg.Retry,
		connectReq: make(chan struct{}),
	}
	for _, sym := range cfg.Symbols {
		c.addSymbol(storage.NormalizeSymbol(sym))
	}
	return c
}

// OnTick registers an observer of live price updates. Every registration is kept.
func (c *Client) OnTick(fn TickFunc) {
	c.obsMu.Lock()
	c.tickObs = append(c.tickObs, fn)
	c.obsMu.Unlock()
}

// OnHistory registers an observer of historical ticks.
func (c *Client) OnHistory(fn TickFunc) {
	c.obsMu.Lock()
	c.histObs = append(c.histObs, fn)
	c.obsMu.Unlock()
}

// Connect asks the run loop to open the upstream connection.
// It is idempotent: only the first call has any effect.
func (c *Client) Connect() {
	c.connectOnce.Do(func() {
		close(c.connectReq)
	})
}

// Disconnect closes the socket and stops the run loop for good.
func (c *Client) Disconnect() {
	atomic.StoreInt32(&c.stopped, 1)
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
}

// Connected reports whether the upstream socket is currently open.
func (c *Client) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Received returns the number of ticks published so far.
func (c *Client) Received() int64 {
	return atomic.LoadInt64(&c.received)
}

// Symbols returns the upstream subscription set in subscribe order.
func (c *Client) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}

// addSymbol must be called with mu held or before the client is shared.
func (c *Client) addSymbol(symbol string) bool {
	for _, s := range c.symbols {
		if s == symbol {
			return false
		}
	}
	c.symbols = append(c.symbols, symbol)
	return true
}

// Subscribe adds symbol to the upstream subscription set.
// The request is sent right away when connected and again after every reconnect.
func (c *Client) Subscribe(symbol string) error {
	c.mu.Lock()
	added := c.addSymbol(symbol)
	ws := c.ws
	c.mu.Unlock()
	if !added || ws == nil {
		return nil
	}
	return writeReq(ws, wsReq{Type: "subscribe", Symbol: symbol})
}

// Unsubscribe removes symbol from the upstream subscription set.
func (c *Client) Unsubscribe(symbol string) error {
	c.mu.Lock()
	var found bool
	for i, s := range c.symbols {
		if s == symbol {
			c.symbols = append(c.symbols[:i], c.symbols[i+1:]...)
			found = true
			break
		}
	}
	ws := c.ws
	c.mu.Unlock()
	if !found || ws == nil {
		return nil
	}
	return writeReq(ws, wsReq{Type: "unsubscribe", Symbol: symbol})
}

// RequestHistory asks the provider for historical ticks of symbol between from and to.
// Answers are published to the history observers.
func (c *Client) RequestHistory(symbol, from, to string) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return &apperr.ConnectionError{ClientID: "feed", Err: errors.New("feed not connected")}
	}
	return writeReq(ws, wsReq{Type: "history", Symbol: storage.NormalizeSymbol(symbol), From: from, To: to})
}

func writeReq(ws *connector.Websocket, req wsReq) error {
	frame, err := jsoniter.Marshal(req)
	if err != nil {
		return err
	}
	return ws.Write(frame)
}

// Run waits for Connect and then keeps the upstream connection alive.
// On error or connection loss it reconnects with exponential backoff and jitter till the configured
// number of consecutive retries is reached. Retry counter will be reset back to zero
// if the connection stayed up for longer than the configured reset time.
func (c *Client) Run(appCtx context.Context) error {
	ctx, cancel := context.WithCancel(appCtx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	if atomic.LoadInt32(&c.stopped) == 1 {
		return nil
	}

	select {
	case <-c.connectReq:
	case <-ctx.Done():
		return c.exitErr(ctx)
	}

	var retryCount int
	base := time.Duration(c.retry.BaseMs) * time.Millisecond
	maxDelay := time.Duration(c.retry.MaxSec) * time.Second
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return c.exitErr(ctx)
		}
		log.Error().Err(err).Str("component", "feed").Msg("error occurred")

		if c.retry.ResetSec > 0 && time.Since(started) >= time.Duration(c.retry.ResetSec)*time.Second {
			retryCount = 0
		}
		retryCount++
		if c.retry.Number > 0 && retryCount > c.retry.Number {
			return errors.Errorf("not able to connect feed even after %v retry. please check the log for details", c.retry.Number)
		}

		delay := Backoff(retryCount-1, base, maxDelay)
		log.Error().Str("component", "feed").Int("retry", retryCount).Dur("delay", delay).Msg("reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.exitErr(ctx)
		}
	}
}

func (c *Client) exitErr(ctx context.Context) error {
	if atomic.LoadInt32(&c.stopped) == 1 {
		return nil
	}
	return ctx.Err()
}

// session dials, subscribes every symbol and reads frames till the connection fails.
func (c *Client) session(ctx context.Context) error {
	ws, err := connector.NewWebsocket(ctx, c.wsCfg, c.url)
	if err != nil {
		return errors.Wrap(err, "dial feed")
	}
	c.mu.Lock()
	c.ws = ws
	symbols := make([]string, len(c.symbols))
	copy(symbols, c.symbols)
	c.mu.Unlock()
	atomic.StoreInt32(&c.connected, 1)

	defer func() {
		atomic.StoreInt32(&c.connected, 0)
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	// Closing the connection on cancel unblocks the read below.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	for _, sym := range symbols {
		if err = writeReq(ws, wsReq{Type: "subscribe", Symbol: sym}); err != nil {
			return errors.Wrap(err, "subscribe "+sym)
		}
	}
	log.Info().Str("component", "feed").Int("symbols", len(symbols)).Msg("websocket connected")

	for {
		frame, err := ws.Read()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				err = errors.Wrap(err, "connection close by feed server")
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame parses a frame and publishes the tick. Frames which are not
// understood are dropped without error.
func (c *Client) handleFrame(frame []byte) {
	tick, history, err := parseFrame(frame, time.Now().UTC())
	if err != nil {
		log.Debug().Str("component", "feed").Err(err).Msg("frame dropped")
		return
	}

	c.obsMu.RLock()
	obs := c.tickObs
	if history {
		obs = c.histObs
	}
	c.obsMu.RUnlock()

	atomic.AddInt64(&c.received, 1)
	for _, fn := range obs {
		fn(tick)
	}
}

// parseFrame returns the tick of a price_update or history frame.
func parseFrame(frame []byte, now time.Time) (storage.MarketTick, bool, error) {
	var resp wsResp
	if err := jsoniter.Unmarshal(frame, &resp); err != nil {
		return storage.MarketTick{}, false, &apperr.ParseError{Source: "feed", Err: err}
	}

	var history bool
	switch resp.Type {
	case "price_update":
	case "history":
		history = true
	default:
		return storage.MarketTick{}, false, &apperr.ParseError{Source: "feed", Err: errors.Errorf("unsupported frame type %q", resp.Type)}
	}

	p := resp.Payload
	tick := storage.MarketTick{
		Symbol:    storage.NormalizeSymbol(p.Symbol),
		Price:     p.Price,
		Volume:    p.Volume,
		Timestamp: p.Timestamp,
		Open:      p.Open,
		High:      p.High,
		Low:       p.Low,
		Close:     p.Close,
	}
	if tick.Symbol == "" {
		return storage.MarketTick{}, false, &apperr.ParseError{Source: "feed", Err: errors.New("empty symbol")}
	}
	if tick.Timestamp == "" {
		if history {
			return storage.MarketTick{}, false, &apperr.ParseError{Source: "feed", Err: errors.New("history tick without timestamp")}
		}
		tick.Timestamp = now.Format(storage.TickTimestamp)
	}
	return tick, history, nil
}
