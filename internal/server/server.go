// Package server exposes the flashing controller over HTTP, SSE and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ontree-co/flashnode/internal/artifact"
	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/config"
	"github.com/ontree-co/flashnode/internal/history"
	"github.com/ontree-co/flashnode/internal/logging"
	"github.com/ontree-co/flashnode/internal/operation"
	"github.com/ontree-co/flashnode/internal/profiles"
	"github.com/ontree-co/flashnode/internal/serialport"
)

// maxUploadMemory is the part of a multipart body kept in memory. It exceeds maxUploadBody,
// so nothing spills to the system temp dir.
const maxUploadMemory = 32 << 20

// Deps are the components the server drives
type Deps struct {
	Hub          *broadcast.Hub
	Orchestrator *operation.Orchestrator
	Fetcher      *artifact.Fetcher
	Profiles     *profiles.Registry
	// History is optional
	History *history.Store
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	hub      *broadcast.Hub
	orch     *operation.Orchestrator
	fetcher  *artifact.Fetcher
	profiles *profiles.Registry
	history  *history.Store

	upgrader  websocket.Upgrader
	listPorts func() ([]serialport.PortInfo, error)
	now       func() time.Time

	httpServer *http.Server
	closing    chan struct{}
	closeOnce  sync.Once
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Profiles == nil {
		deps.Profiles = profiles.Builtin()
	}
	return &Server{
		config:   cfg,
		hub:      deps.Hub,
		orch:     deps.Orchestrator,
		fetcher:  deps.Fetcher,
		profiles: deps.Profiles,
		history:  deps.History,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The controller sits on a bench network and is driven from arbitrary tools
			CheckOrigin: func(*http.Request) bool { return true },
		},
		listPorts: serialport.ListPorts,
		now:       time.Now,
		closing:   make(chan struct{}),
	}
}

// Handler returns the instrumented route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/capabilities", s.handleCapabilities)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/ports", s.handlePorts)
	mux.HandleFunc("/profiles", s.handleProfiles)
	mux.HandleFunc("/operations", s.handleOperations)
	mux.HandleFunc("/operations/{id}", s.handleOperation)
	mux.HandleFunc("/operations/{id}/logs", s.handleOperationLogs)

	// Live event channels
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWebSocket)

	return otelhttp.NewHandler(corsMiddleware(mux), "flashnode",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start listens on the configured address until Shutdown is called
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	logging.Infof("Starting server on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, ends the live streams and waits for handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
