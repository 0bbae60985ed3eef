// Package server is the client facing side of the service: websocket sessions
// for tick subscriptions plus the health and metrics endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/metrics"
	"github.com/milkywaybrain/tickhub/internal/pool"
	"github.com/milkywaybrain/tickhub/internal/registry"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TickReader serves recent ticks of a symbol.
type TickReader interface {
	GetTicks(symbol string) []storage.MarketTick
}

// Server handles client connections.
type Server struct {
	cfg      *config.Server
	pool     *pool.Pool
	registry *registry.Registry
	metrics  *metrics.Collector
	health   *metrics.HealthCheck
	ticks    TickReader
}

// New creates a new server over the already built components.
func New(cfg *config.Server, p *pool.Pool, reg *registry.Registry, collector *metrics.Collector, health *metrics.HealthCheck, ticks TickReader) *Server {
	return &Server{
		cfg:      cfg,
		pool:     p,
		registry: reg,
		metrics:  collector,
		health:   health,
		ticks:    ticks,
	}
}

// Handler returns the http routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ticks", s.handleTicks)
	return mux
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WithStack(err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
// Client sessions are hijacked connections, so they are closed through the pool on shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "server").Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("component", "server").Msg("shutdown")
	}
	s.pool.CloseAll()
	return ctx.Err()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get(s.cfg.ClientIDHeader)
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.metrics.IncrementErrors()
		log.Debug().Str("component", "server").Err(err).Msg("websocket upgrade")
		return
	}

	sess := newSession(
		clientID,
		conn,
		s.cfg.SendQueueSize,
		time.Duration(s.cfg.WriteWaitSec)*time.Second,
		time.Duration(s.cfg.PongWaitSec)*time.Second,
		s.cfg.MaxMessageSize,
	)

	if err = s.pool.AddConnection(clientID, sess); err != nil {
		s.metrics.IncrementErrors()
		log.Warn().Str("component", "server").Str("client", clientID).Err(err).Msg("connection rejected")
		_ = conn.SetWriteDeadline(time.Now().Add(sess.writeWait))
		_ = wsutil.WriteServerText(conn, errorFrame(err, clientID))
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, "rate limit exceeded"))
		_ = conn.Close()
		return
	}
	log.Debug().Str("component", "server").Str("client", clientID).Msg("client connected")

	go sess.writePump()
	s.readPump(sess)

	// A replacement connection under the same id keeps the subscriptions.
	s.pool.Release(sess)
	if _, taken := s.pool.GetConnection(clientID); !taken {
		s.registry.UnsubscribeAll(clientID)
	}
	_ = sess.Close()
	log.Debug().Str("component", "server").Str("client", clientID).Msg("client disconnected")
}

func (s *Server) readPump(sess *session) {
	for {
		payload, err := sess.readFrame()
		if err != nil {
			return
		}
		s.metrics.IncrementReceived()

		req, err := parseReq(payload)
		if err == nil {
			switch req.Type {
			case actionSubscribe:
				err = s.registry.Subscribe(sess.id, req.Symbol)
			case actionUnsubscribe:
				err = s.registry.Unsubscribe(sess.id, req.Symbol)
			}
		}
		if err != nil {
			s.metrics.IncrementErrors()
			if sendErr := sess.Send(errorFrame(err, sess.id)); sendErr != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.health.CheckHealth())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.metrics.GetMetrics())
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	symbol := storage.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.ticks.GetTicks(symbol))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Str("component", "server").Msg("")
	}
}
