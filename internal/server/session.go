package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tickhub/internal/pool"
	"github.com/pkg/errors"
)

var (
	errQueueFull = errors.New("send queue full")
	errTooBig    = errors.New("message too big")
)

// session is one client websocket connection.
// Data frames go through the bounded send queue drained by writePump,
// so a slow client never blocks the dispatcher. Control replies share writeMu with it.
type session struct {
	id         string
	conn       net.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex
	admittedAt time.Time

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	maxSize    int64
}

func newSession(id string, conn net.Conn, queueSize int, writeWait, pongWait time.Duration, maxSize int64) *session {
	return &session{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
		admittedAt: time.Now().UTC(),
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
		maxSize:    maxSize,
	}
}

func (s *session) ID() string            { return s.id }
func (s *session) AdmittedAt() time.Time { return s.admittedAt }

// Send queues frame without blocking.
func (s *session) Send(frame []byte) error {
	select {
	case <-s.done:
		return pool.ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Close is safe to call more than once.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *session) write(op ws.OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return wsutil.WriteServerMessage(s.conn, op, payload)
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(ws.OpText, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(ws.OpPing, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// handleControl answers pings and close frames. A close frame ends the session
// with wsutil.ClosedError after the reply is written.
func (s *session) handleControl(h ws.Header, r io.Reader) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return wsutil.ControlFrameHandler(s.conn, ws.StateServerSide)(h, r)
}

// readFrame returns the next text message. Fragmented messages are joined,
// binary ones are discarded.
func (s *session) readFrame() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: s.handleControl,
	}
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
		header, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if header.OpCode.IsControl() {
			if err = s.handleControl(header, rd); err != nil {
				return nil, err
			}
			continue
		}
		if header.Length > s.maxSize {
			return nil, errTooBig
		}
		if header.OpCode != ws.OpText {
			if err = rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		payload, err := io.ReadAll(io.LimitReader(rd, s.maxSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(payload)) > s.maxSize {
			return nil, errTooBig
		}
		return payload, nil
	}
}
