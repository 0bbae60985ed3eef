package connector

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tickhub/internal/config"
)

// Websocket is for websocket connection to the market data provider.
// Writes are serialized, reads must come from a single goroutine.
type Websocket struct {
	Conn    net.Conn
	Cfg     *config.WS
	writeMu sync.Mutex
}

// NewWebsocket creates a new websocket connection for the feed.
func NewWebsocket(appCtx context.Context, cfg *config.WS, url string) (*Websocket, error) {
	ctx := appCtx
	if cfg.ConnTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(cfg.ConnTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	}
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Websocket{Conn: conn, Cfg: cfg}, nil
}

// Write writes data frame on websocket connection.
func (w *Websocket) Write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return wsutil.WriteClientText(w.Conn, data)
}

// Read reads data frame from websocket connection.
// Pings and close frames are answered through the same lock as Write.
func (w *Websocket) Read() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:         w.Conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: w.handleControl,
	}
	for {
		if w.Cfg.ReadTimeoutSec > 0 {
			err := w.Conn.SetReadDeadline(time.Now().Add(time.Duration(w.Cfg.ReadTimeoutSec) * time.Second))
			if err != nil {
				return nil, err
			}
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err = w.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err = rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

func (w *Websocket) handleControl(h ws.Header, r io.Reader) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return wsutil.ControlFrameHandler(w.Conn, ws.StateClientSide)(h, r)
}

// Close closes the underlying connection.
func (w *Websocket) Close() error {
	return w.Conn.Close()
}
