// Package runtime assembles the configured components into a running
// service: database, embedder, index manager, search pipeline and HTTP
// server.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kpath-ai/kpath/pkg/auth"
	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/embedders"
	"github.com/kpath-ai/kpath/pkg/feedback"
	"github.com/kpath-ai/kpath/pkg/indexer"
	"github.com/kpath-ai/kpath/pkg/observability"
	"github.com/kpath-ai/kpath/pkg/policy"
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/search"
	"github.com/kpath-ai/kpath/pkg/server"
)

// Runtime owns the assembled components and their shutdown order.
type Runtime struct {
	cfg      *config.Config
	store    *registry.Store
	emb      embedder.Embedder
	fb       *feedback.SQLStore
	manager  *indexer.Manager
	pipeline *search.Pipeline
	server   *server.Server
	metrics  *observability.Metrics
}

// New wires every component from config. ctx bounds background
// lifetimes such as the JWKS refresh loop.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	store, err := registry.NewStoreFromConfig(&cfg.Database, cfg.Index.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	fb, err := feedback.NewSQLStore(store.DB(), store.Dialect(), cfg.Feedback.WindowDays)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("feedback store: %w", err)
	}

	emb, err := embedders.New(&cfg.Embedding)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	manager, err := indexer.NewManager(&cfg.Index, emb, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("index manager: %w", err)
	}

	pol := policy.NewEvaluator(cfg.Policy.AdminRole)
	pipeline, err := search.NewPipeline(&cfg.Search, emb, manager, store, pol, fb)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("search pipeline: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics, err = observability.NewMetrics()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if err := metrics.RegisterIndexObservers(
			func() int64 { return int64(manager.Index().Size()) },
			func() int64 { return int64(manager.Status().Generation) },
		); err != nil {
			store.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		m := metrics
		manager.OnSnapshot(func() { m.RecordSnapshot(context.Background()) })
	}

	middleware, err := buildAuthMiddleware(ctx, &cfg.Auth, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	srv, err := server.New(cfg, server.Dependencies{
		Pipeline:  pipeline,
		Manager:   manager,
		Auth:      middleware,
		Metrics:   metrics,
		AdminRole: cfg.Policy.AdminRole,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: %w", err)
	}

	return &Runtime{
		cfg:      cfg,
		store:    store,
		emb:      emb,
		fb:       fb,
		manager:  manager,
		pipeline: pipeline,
		server:   srv,
		metrics:  metrics,
	}, nil
}

func buildAuthMiddleware(ctx context.Context, cfg *config.AuthConfig, keys auth.KeyStore) (*auth.Middleware, error) {
	if !cfg.Enabled {
		return auth.NewMiddleware(false, nil, nil), nil
	}

	var jwtValidator *auth.JWTValidator
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWTValidator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		jwtValidator = v
	}
	var apiKeys *auth.APIKeyAuthenticator
	if cfg.APIKeys {
		apiKeys = auth.NewAPIKeyAuthenticator(keys)
	}
	return auth.NewMiddleware(true, jwtValidator, apiKeys), nil
}

// Run starts the index manager and HTTP server and blocks until the
// context is canceled or the server fails.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := r.manager.Run(ctx); err != nil {
			slog.Error("Index manager stopped", "error", err)
			cancel()
		}
	}()
	go r.purgeLoop(ctx)

	err := r.server.Start(ctx)

	cancel()
	<-r.manager.Done()
	r.close()
	return err
}

// purgeLoop trims feedback events past retention once a day.
func (r *Runtime) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.Feedback.RetentionDays)
			if n, err := r.fb.Purge(ctx, cutoff); err != nil {
				slog.Warn("Feedback purge failed", "error", err)
			} else if n > 0 {
				slog.Info("Purged old feedback events", "removed", n)
			}
		}
	}
}

func (r *Runtime) close() {
	if r.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics shutdown failed", "error", err)
		}
		cancel()
	}
	if err := r.emb.Close(); err != nil {
		slog.Warn("Embedder close failed", "error", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("Registry close failed", "error", err)
	}
}
