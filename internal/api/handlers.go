package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/engine"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	ctrl     Controller
	cfg      config.ServerConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(ctrl Controller, cfg config.ServerConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		ctrl:   ctrl,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed implements the browser-origin policy for /ws. With no
// allowlist configured, same-host and localhost origins pass; with one,
// only exact matches do. Non-browser clients send no Origin header and
// always pass.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns every strategy with its per-user run state
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, BuildSnapshot(h.ctrl))
}

// HandleStart launches the strategy named in the path
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.StartStrategy(id); err != nil {
		h.writeControlError(w, id, err)
		return
	}
	h.logger.Info("strategy start requested", "strategy_id", id)
	h.writeJSON(w, http.StatusOK, controlResponse{OK: true, StrategyID: id})
}

// HandleStop stops the strategy named in the path
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ctrl.StopStrategy(id); err != nil {
		h.writeControlError(w, id, err)
		return
	}
	h.logger.Info("strategy stop requested", "strategy_id", id)
	h.writeJSON(w, http.StatusOK, controlResponse{OK: true, StrategyID: id})
}

// HandleStopAll stops every running strategy
func (h *Handlers) HandleStopAll(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopAll()
	h.logger.Info("stop-all requested")
	h.writeJSON(w, http.StatusOK, controlResponse{OK: true})
}

// HandleWebSocket upgrades the connection and registers a feed client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the client with the current state before any deltas arrive.
	data, err := json.Marshal(NewSnapshotMessage(BuildSnapshot(h.ctrl)))
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func (h *Handlers) writeControlError(w http.ResponseWriter, id string, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, engine.ErrUnknownStrategy) {
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, controlResponse{StrategyID: id, Error: err.Error()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
