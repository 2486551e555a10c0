// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ws exposes the ceremony coordinator over a WebSocket endpoint,
// alongside the health and metrics endpoints. Each accepted connection runs
// a reader and a writer goroutine; all protocol logic lives in the
// coordinator.
package ws

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-fserver/internal/config"
	"github.com/jeremyhahn/go-fserver/internal/coordinator"
	"github.com/jeremyhahn/go-fserver/pkg/logging"
	"github.com/jeremyhahn/go-fserver/pkg/metrics"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// Server wires the coordinator to the HTTP surface: the /ws ceremony
// endpoint plus health and metrics.
type Server struct {
	coordinator *coordinator.Coordinator
	log         *logging.Logger
	upgrader    websocket.Upgrader
}

// NewServer creates the WebSocket front end for a coordinator.
func NewServer(coord *coordinator.Coordinator, log *logging.Logger) *Server {
	return &Server{
		coordinator: coord,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Ceremony clients are standalone tools, not browsers; origin
			// checks would only reject them.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/ws", s.handleWebSocket)
	if cfg.Health.Enabled {
		r.Get(cfg.Health.Path, s.handleHealth)
	}
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	return r
}

// handleWebSocket upgrades the request and runs the connection until it
// drops. The writer goroutine owns the socket close; the reader goroutine is
// this handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		sock: sock,
		log:  s.log,
		send: make(chan wire.ServerMessage, sendQueueSize),
		done: make(chan struct{}),
	}

	s.log.Info("connection accepted", "conn", c.id, "remote", r.RemoteAddr)
	s.coordinator.HandleConnect(c)

	go c.writeLoop()
	c.readLoop(func(c *conn, data []byte) {
		s.coordinator.HandleRaw(c, data)
	})

	s.coordinator.HandleDisconnect(c.id)
	s.log.Info("connection closed", "conn", c.id)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
