// Package server is the HTTP edge: routing, credential middleware,
// request decoding and the mapping from search error kinds to status
// codes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kpath-ai/kpath/pkg/auth"
	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/indexer"
	"github.com/kpath-ai/kpath/pkg/observability"
	"github.com/kpath-ai/kpath/pkg/search"
)

// Dependencies are the wired collaborators the server exposes.
type Dependencies struct {
	Pipeline  *search.Pipeline
	Manager   *indexer.Manager
	Auth      *auth.Middleware
	Metrics   *observability.Metrics
	AdminRole string
}

// Server is the HTTP front end.
type Server struct {
	cfg  *config.Config
	deps Dependencies
	http *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil || deps.Manager == nil || deps.Auth == nil {
		return nil, fmt.Errorf("pipeline, manager and auth middleware are required")
	}
	if deps.AdminRole == "" {
		deps.AdminRole = "admin"
	}

	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil && s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Endpoint, s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.deps.Auth.Handler)
		r.Post("/search/search", s.handleSearch)
		r.Get("/search/search", s.handleSearch)
		r.Get("/search/status", s.handleStatus)
		r.Post("/search/rebuild", s.handleRebuild)
		r.Post("/search/initialize", s.handleInitialize)
	})
	return r
}

// Handler exposes the assembled routes, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the context is canceled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
