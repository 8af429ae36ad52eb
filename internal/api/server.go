// Package api is the HTTP/WebSocket control surface: status queries,
// start/stop controls, and a live status feed for dashboards.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"alpha-volume-bot/internal/config"
)

// snapshotInterval paces the periodic full-state broadcast that keeps
// reconnecting dashboard clients consistent between status deltas.
const snapshotInterval = 5 * time.Second

// Server runs the HTTP/WebSocket API
type Server struct {
	cfg      config.ServerConfig
	ctrl     Controller
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	quit     chan struct{}
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, ctrl Controller, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("POST /api/strategies/{id}/start", handlers.HandleStart)
	mux.HandleFunc("POST /api/strategies/{id}/stop", handlers.HandleStop)
	mux.HandleFunc("POST /api/stop-all", handlers.HandleStopAll)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		hub:      hub,
		handlers: handlers,
		server:   server,
		quit:     make(chan struct{}),
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub. Blocks until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()
	go s.snapshotLoop()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	close(s.quit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents forwards engine status transitions to the feed
func (s *Server) consumeEvents() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.ctrl.Events():
			s.hub.BroadcastEvent(NewStatusMessage(ev))
		}
	}
}

// snapshotLoop periodically pushes the full state to every client
func (s *Server) snapshotLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.hub.BroadcastEvent(NewSnapshotMessage(BuildSnapshot(s.ctrl)))
		}
	}
}
