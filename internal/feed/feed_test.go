package feed

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a fake market data provider.
type upstream struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []string
	conns  []net.Conn
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns = append(u.conns, conn)
		u.mu.Unlock()
		go func() {
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				u.mu.Lock()
				u.frames = append(u.frames, string(data))
				u.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(func() {
		u.mu.Lock()
		for _, c := range u.conns {
			c.Close()
		}
		u.mu.Unlock()
		u.srv.Close()
	})
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *upstream) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.frames))
	copy(out, u.frames)
	return out
}

func (u *upstream) connCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.conns)
}

// send writes frame to the latest connection.
func (u *upstream) send(t *testing.T, frame string) {
	require.Eventually(t, func() bool { return u.connCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	u.mu.Lock()
	conn := u.conns[len(u.conns)-1]
	u.mu.Unlock()
	require.NoError(t, wsutil.WriteServerText(conn, []byte(frame)))
}

func (u *upstream) dropLatest() {
	u.mu.Lock()
	conn := u.conns[len(u.conns)-1]
	u.mu.Unlock()
	conn.Close()
}

type recorder struct {
	mu    sync.Mutex
	ticks []storage.MarketTick
}

func (r *recorder) add(tick storage.MarketTick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, tick)
	r.mu.Unlock()
}

func (r *recorder) get() []storage.MarketTick {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.MarketTick, len(r.ticks))
	copy(out, r.ticks)
	return out
}

func newClient(url string, symbols ...string) *Client {
	cfg := config.Default()
	cfg.Feed.URL = url
	cfg.Feed.Symbols = symbols
	cfg.Feed.Retry = config.Retry{Number: 3, BaseMs: 10, MaxSec: 1}
	return New(&cfg.Feed, &cfg.Connection.WS)
}

func startClient(t *testing.T, c *Client) <-chan error {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return errCh
}

func TestConnectSubscribesConfiguredSymbols(t *testing.T) {
	u := newUpstream(t)
	c := newClient(u.url(), "btcusdt", "ETHUSDT")
	startClient(t, c)

	c.Connect()
	c.Connect()
	c.Connect()

	require.Eventually(t, func() bool { return len(u.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"type":"subscribe","symbol":"BTCUSDT"}`, u.received()[0])
	assert.JSONEq(t, `{"type":"subscribe","symbol":"ETHUSDT"}`, u.received()[1])
	assert.True(t, c.Connected())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, u.connCount(), "repeated Connect must not dial again")
}

func TestPriceUpdatesReachEveryObserverInOrder(t *testing.T) {
	u := newUpstream(t)
	c := newClient(u.url(), "BTCUSDT")
	var first, second, hist recorder
	c.OnTick(first.add)
	c.OnTick(second.add)
	c.OnHistory(hist.add)
	startClient(t, c)
	c.Connect()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	u.send(t, `{"type":"price_update","payload":{"symbol":"btcusdt","price":1,"volume":10}}`)
	u.send(t, `{"type":"heartbeat"}`)
	u.send(t, `not json`)
	u.send(t, `{"type":"price_update","payload":{"symbol":"","price":9}}`)
	u.send(t, `{"type":"price_update","payload":{"symbol":"BTCUSDT","price":2,"volume":20}}`)

	require.Eventually(t, func() bool { return len(second.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, r := range []*recorder{&first, &second} {
		got := r.get()
		require.Len(t, got, 2)
		assert.Equal(t, "BTCUSDT", got[0].Symbol)
		assert.Equal(t, 1.0, got[0].Price)
		assert.Equal(t, 10.0, got[0].Volume)
		assert.NotEmpty(t, got[0].Timestamp)
		assert.Equal(t, 2.0, got[1].Price)
	}
	assert.Empty(t, hist.get())
	assert.Equal(t, int64(2), c.Received())
}

func TestHistoryRequestAndReplies(t *testing.T) {
	u := newUpstream(t)
	c := newClient(u.url())
	var live, hist recorder
	c.OnTick(live.add)
	c.OnHistory(hist.add)

	assert.Error(t, c.RequestHistory("BTCUSDT", "2024-01-01", "2024-01-02"))

	startClient(t, c)
	c.Connect()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.RequestHistory("btcusdt", "2024-01-01", "2024-01-02"))
	require.Eventually(t, func() bool { return len(u.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"type":"history","symbol":"BTCUSDT","from":"2024-01-01","to":"2024-01-02"}`, u.received()[0])

	u.send(t, `{"type":"history","payload":{"symbol":"BTCUSDT","price":5,"volume":1,"timestamp":"2024-01-01T00:00:00Z"}}`)
	u.send(t, `{"type":"history","payload":{"symbol":"BTCUSDT","price":6,"volume":1}}`)
	u.send(t, `{"type":"history","payload":{"symbol":"BTCUSDT","price":7,"volume":1,"timestamp":"2024-01-01T00:01:00Z"}}`)

	require.Eventually(t, func() bool { return len(hist.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := hist.get()
	assert.Equal(t, "2024-01-01T00:00:00Z", got[0].Timestamp)
	assert.Equal(t, 7.0, got[1].Price)
	assert.Empty(t, live.get())
}

func TestReconnectResubscribesAllSymbols(t *testing.T) {
	u := newUpstream(t)
	c := newClient(u.url(), "BTCUSDT")
	startClient(t, c)
	c.Connect()
	require.Eventually(t, func() bool { return len(u.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Subscribe("ETHUSDT"))
	require.NoError(t, c.Subscribe("ETHUSDT"))
	require.Eventually(t, func() bool { return len(u.received()) == 2 }, 2*time.Second, 10*time.Millisecond)

	u.dropLatest()

	require.Eventually(t, func() bool { return u.connCount() == 2 && len(u.received()) == 4 }, 3*time.Second, 10*time.Millisecond)
	frames := u.received()
	assert.JSONEq(t, `{"type":"subscribe","symbol":"BTCUSDT"}`, frames[2])
	assert.JSONEq(t, `{"type":"subscribe","symbol":"ETHUSDT"}`, frames[3])

	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Unsubscribe("ETHUSDT"))
	require.Eventually(t, func() bool { return len(u.received()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"type":"unsubscribe","symbol":"ETHUSDT"}`, u.received()[4])
	assert.Equal(t, []string{"BTCUSDT"}, c.Symbols())
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	u := newUpstream(t)
	url := u.url()
	u.srv.Close()

	c := newClient(url, "BTCUSDT")
	c.Connect()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "even after 3 retry")
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not give up")
	}
}

func TestDisconnectStopsRun(t *testing.T) {
	u := newUpstream(t)
	c := newClient(u.url(), "BTCUSDT")

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Connect()
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	c.Disconnect()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.False(t, c.Connected())
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	for i := 0; i < 50; i++ {
		d := Backoff(0, base, max)
		assert.True(t, d >= 50*time.Millisecond && d <= 100*time.Millisecond, "attempt 0: %v", d)

		d = Backoff(2, base, max)
		assert.True(t, d >= 200*time.Millisecond && d <= 400*time.Millisecond, "attempt 2: %v", d)

		d = Backoff(64, base, max)
		assert.True(t, d >= 500*time.Millisecond && d <= time.Second, "attempt 64: %v", d)
	}
}
