// Package server exposes the control plane over HTTP: a JSON listing for
// simple tooling and a WebSocket stream for session events, snapshots,
// orphan reports, and interactive terminal passthrough.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/orchestrator"
)

// Outbound message types.
const (
	msgSessionAdd      = "session:add"
	msgSessionUpdate   = "session:update"
	msgSessionRemove   = "session:remove"
	msgSnapshot        = "sessions:snapshot"
	msgOrphansDetected = "orphans:detected"

	msgTerminalConnected = "terminal:connected"
	msgTerminalData      = "terminal:data"
	msgTerminalExit      = "terminal:exit"
	msgTerminalError     = "terminal:error"
)

// Inbound message types.
const (
	msgTerminalConnect    = "terminal:connect"
	msgTerminalInput      = "terminal:input"
	msgTerminalResize     = "terminal:resize"
	msgTerminalDisconnect = "terminal:disconnect"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server serves the HTTP and WebSocket surface over one orchestrator.
type Server struct {
	cfg      config.ServerConfig
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		cfg:  cfg,
		orch: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local control plane; the listener binds loopback by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

// Handler returns the route table, usable directly in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	log.SafeGo("http-server", func() {
		errCh <- srv.ListenAndServe()
	})
	log.Info(log.CatServer, "listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleSessions returns the full snapshot as JSON.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot, err := s.orch.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.ErrorErr(log.CatServer, "encoding snapshot failed", err)
	}
}

// handleWS upgrades the connection and runs the per-client pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatServer, "websocket upgrade failed", err)
		return
	}

	client := newClient(s.orch, conn)
	client.run(r.Context())
}
