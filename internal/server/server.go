// Package server accepts WebSocket connections and runs the per-connection
// command loop: admission, authentication, rate limiting, validation,
// dispatch, and response writing.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/auxproto/aux-go/internal/browser"
	"github.com/auxproto/aux-go/internal/config"
	"github.com/auxproto/aux-go/internal/ratelimit"
	"github.com/auxproto/aux-go/internal/security"
	"github.com/auxproto/aux-go/internal/sessionlog"
)

// Server owns the listener, the connection set, and the component bundle
// shared by every connection.
type Server struct {
	cfg       *config.Config
	manager   *browser.Manager
	limiter   *ratelimit.Limiter
	authn     *security.Authenticator
	validator *security.Validator
	slog      *sessionlog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	connCount atomic.Int64
	mu        sync.Mutex
	conns     map[*conn]struct{}
	stopping  atomic.Bool

	// sessMu guards sessionOwners, which maps each client session token to
	// the connection that first used it. A token never crosses connections.
	sessMu        sync.Mutex
	sessionOwners map[string]*conn
}

// New creates a server. The session logger may be nil.
func New(cfg *config.Config, manager *browser.Manager, limiter *ratelimit.Limiter,
	authn *security.Authenticator, validator *security.Validator, slog *sessionlog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		manager:       manager,
		limiter:       limiter,
		authn:         authn,
		validator:     validator,
		slog:          slog,
		conns:         make(map[*conn]struct{}),
		sessionOwners: make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Commands are authenticated by API key, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves until Stop is called. It blocks, so
// callers run it in a goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info().Str("addr", addr).Msg("Server listening")
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down in order: refuse new connections, close
// active connections (destroying their sessions), then release the
// listener. Browser manager teardown belongs to the caller.
func (s *Server) Stop(ctx context.Context) error {
	s.stopping.Store(true)

	s.mu.Lock()
	active := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		active = append(active, c)
	}
	s.mu.Unlock()

	for _, c := range active {
		c.shutdown()
	}

	err := s.httpSrv.Shutdown(ctx)
	log.Info().Int("connections_closed", len(active)).Msg("Server stopped")
	return err
}

// claimSession records ownership of a client session token by c. It
// returns false when another connection already owns the token.
func (s *Server) claimSession(token string, c *conn) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if owner, ok := s.sessionOwners[token]; ok {
		return owner == c
	}
	s.sessionOwners[token] = c
	return true
}

// releaseSessions frees every token owned by c.
func (s *Server) releaseSessions(c *conn) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for token, owner := range s.sessionOwners {
		if owner == c {
			delete(s.sessionOwners, token)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","active_connections":%d}`, s.connCount.Load())
}

// handleWS upgrades one connection and runs its message loop. The
// connection cap is enforced before the upgrade completes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if n := s.connCount.Add(1); n > int64(s.cfg.Server.MaxConcurrentConnections) {
		s.connCount.Add(-1)
		log.Warn().
			Str("client_addr", r.RemoteAddr).
			Int("max", s.cfg.Server.MaxConcurrentConnections).
			Msg("Connection cap reached, refusing connection")
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.connCount.Add(-1)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("client_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(s, ws, r.RemoteAddr)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.run()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
