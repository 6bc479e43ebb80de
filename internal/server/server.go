// Package server assembles the HTTP surface: router, middleware stack,
// and lifecycle of the listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/kryahq/kryad/internal/errors"
	"github.com/kryahq/kryad/internal/server/handlers"
	"github.com/kryahq/kryad/internal/server/middleware"
	"github.com/kryahq/kryad/pkg/jobstore"
)

// Options wires the server's dependencies. Nil service fields leave the
// corresponding routes unregistered.
type Options struct {
	Host    string
	Port    int
	Version string
	Logger  *zap.Logger

	Jobs     handlers.JobService
	Logs     handlers.LogStream
	Settings handlers.SettingsStore
	Store    *jobstore.Store

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the kryad HTTP daemon surface.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
	health *handlers.HealthManager
}

// New builds the server and its route table.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:   opts,
		health: handlers.NewHealthManager(opts.Version),
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		// Zero disables the write deadline, which SSE streaming needs.
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

// Health exposes the health manager so callers can register checkers.
func (s *Server) Health() *handlers.HealthManager { return s.health }

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.opts.Port }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Start serves until Shutdown is called. Returns nil on graceful close.
func (s *Server) Start() error {
	s.opts.Logger.Info("http server starting", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.opts.Logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeEnvelope(w, apperrors.CodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeEnvelope(w, apperrors.CodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LiveHandler)
	r.Get("/version", s.versionHandler)

	if s.opts.Jobs != nil {
		jobsHandler := handlers.NewJobsHandler(s.opts.Jobs, s.opts.Store)
		r.Post("/run", jobsHandler.Run)
		r.Post("/stop", jobsHandler.Stop)
		r.Get("/jobs", jobsHandler.List)
		r.Get("/jobs/{jobID}", jobsHandler.Status)
		r.Get("/jobs/archived", jobsHandler.Archived)
	}
	if s.opts.Logs != nil {
		r.Get("/logs", handlers.NewLogsHandler(s.opts.Logs).Stream)
	}
	if s.opts.Settings != nil {
		configHandler := handlers.NewConfigHandler(s.opts.Settings)
		r.Get("/config", configHandler.Get)
		r.Put("/config", configHandler.Update)
	}

	return r
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"version":%q}`+"\n", s.opts.Version)
}

func writeEnvelope(w http.ResponseWriter, code apperrors.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(code))
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`+"\n", code, message)
}
