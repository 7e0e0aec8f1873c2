// ABOUTME: HTTP surface of the comet relay: agent websocket endpoint plus dispatch API.
// ABOUTME: Owns the http.Server lifecycle; all connection state lives in the hub.

// Package server exposes the relay over HTTP and websockets.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiascheduler/automate/internal/auth"
	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/tunnel"
)

// Params configures a new Server.
type Params struct {
	Addr             string
	Hub              *comet.Hub
	Tunnels          *tunnel.Manager
	Verifier         auth.TokenVerifier
	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	Logger           *slog.Logger
}

// Server exposes the relay over HTTP: a websocket endpoint agents connect
// to, a websocket endpoint clients bridge tunnels through, and a JSON API
// for dispatch, SFTP operations, and agent listing.
type Server struct {
	addr       string
	hub        *comet.Hub
	tunnels    *tunnel.Manager
	verifier   auth.TokenVerifier
	hbTimeout  time.Duration
	reqTimeout time.Duration
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpSrv    *http.Server
}

// New creates a server wired to the given hub and tunnel manager.
func New(p Params) *Server {
	s := &Server{
		addr:       p.Addr,
		hub:        p.Hub,
		tunnels:    p.Tunnels,
		verifier:   p.Verifier,
		hbTimeout:  p.HeartbeatTimeout,
		reqTimeout: p.RequestTimeout,
		logger:     p.Logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:    p.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table. Exposed so tests can serve it without
// binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent/ws", s.handleAgentWS)
	mux.HandleFunc("/api/tunnel/ws", s.handleTunnelWS)
	mux.HandleFunc("/api/dispatch", s.handleDispatch)
	mux.HandleFunc("/api/sftp/read-dir", s.handleSftpReadDir)
	mux.HandleFunc("/api/sftp/upload", s.handleSftpUpload)
	mux.HandleFunc("/api/sftp/download", s.handleSftpDownload)
	mux.HandleFunc("/api/sftp/remove", s.handleSftpRemove)
	mux.HandleFunc("/api/agents", s.handleListAgents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("relay listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
// Live agent connections are closed through the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
