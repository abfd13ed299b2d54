// Package server exposes the orchestration engine over HTTP.
//
// # Endpoints
//
//   - POST /instances - start a new orchestration instance, returns 202
//   - GET /instances - list instances, optionally filtered
//   - GET /instances/{id} - poll instance status and output
//   - POST /instances/{id}/events/{name} - raise an external event
//   - POST /instances/{id}/terminate - force-terminate an instance
//   - GET /healthz - health check, returns "ok"
//   - GET /metrics - Prometheus metrics, if a metrics handler is configured
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/riptide-engine/riptide/pkg/api"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultListenAddr      = ":8080"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string

	// DefaultOrchestration is used by POST /instances requests that do not
	// name an orchestration. Optional.
	DefaultOrchestration string

	// MetricsHandler, if set, is mounted at GET /metrics.
	MetricsHandler http.Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front end of an Engine.
type Server struct {
	engine     api.Engine
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a Server over the given engine.
func New(engine api.Engine, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultListenAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		engine: engine,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Handler returns the routed handler, for embedding in an existing server
// or in httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /instances", s.handleStart)
	mux.HandleFunc("GET /instances", s.handleList)
	mux.HandleFunc("GET /instances/{id}", s.handleGet)
	mux.HandleFunc("POST /instances/{id}/events/{name}", s.handleRaiseEvent)
	mux.HandleFunc("POST /instances/{id}/terminate", s.handleTerminate)

	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
