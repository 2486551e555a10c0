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

// Package server is the composition root: it assembles the cryptography
// engine, the ceremony coordinator, and the WebSocket front end into a
// runnable service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-fserver/internal/config"
	"github.com/jeremyhahn/go-fserver/internal/coordinator"
	"github.com/jeremyhahn/go-fserver/internal/ws"
	"github.com/jeremyhahn/go-fserver/pkg/engine"
	"github.com/jeremyhahn/go-fserver/pkg/logging"
	"github.com/jeremyhahn/go-fserver/pkg/metrics"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Server is the assembled ceremony service.
type Server struct {
	cfg         *config.Config
	log         *logging.Logger
	coordinator *coordinator.Coordinator
	httpServer  *http.Server

	janitorCancel context.CancelFunc
}

// New assembles a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	log := logging.NewLogger(cfg.DebugEnabled())

	coord := coordinator.New(coordinator.Config{
		Engine:         engine.NewStandardEngine(),
		Logger:         log,
		SessionTimeout: cfg.Session.Timeout,
	})

	front := ws.NewServer(coord, log)
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))

	return &Server{
		cfg: cfg,
		log: log,
		coordinator: coord,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           front.Router(cfg),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start begins serving and launches the session sweeper. It returns once the
// listener is bound; serving continues on background goroutines.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	s.janitorCancel = cancel
	go s.coordinator.RunJanitor(janitorCtx)

	if s.cfg.Metrics.Enabled {
		metrics.StartResourceCollector(janitorCtx, 30*time.Second)
	}

	go func() {
		var serveErr error
		if s.cfg.TLS.Enabled {
			serveErr = s.httpServer.ServeTLS(listener, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			serveErr = s.httpServer.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Errorf("server error: %v", serveErr)
		}
	}()

	s.log.Info("server started",
		"addr", s.httpServer.Addr,
		"tls", s.cfg.TLS.Enabled,
		"session_timeout", s.cfg.Session.Timeout.String())
	return nil
}

// Shutdown stops the sweeper and drains the HTTP server.
func (s *Server) Shutdown() error {
	if s.janitorCancel != nil {
		s.janitorCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// Coordinator returns the ceremony coordinator instance.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// SetupSignalHandler sets up signal handling for graceful shutdown
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	return ctx
}
