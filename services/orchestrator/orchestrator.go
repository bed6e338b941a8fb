// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the chat service together and runs it.
//
// # Description
//
// New builds every component from a config.Config: the conversation store
// (embedded Badger or Postgres), the LLM provider, the optional SerpAPI
// searcher, Prometheus metrics, OpenTelemetry tracing and the gin router.
// Run serves HTTP until its context is cancelled and then shuts down
// gracefully.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	svc, err := orchestrator.New(ctx, cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"

	"github.com/AleutianAI/aleutian-chat/pkg/extensions"
	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/config"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/conversation"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/middleware"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/routes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
	badgerstore "github.com/AleutianAI/aleutian-chat/services/orchestrator/storage/badger"
	pgstore "github.com/AleutianAI/aleutian-chat/services/orchestrator/storage/postgres"
	"github.com/AleutianAI/aleutian-chat/services/search"
)

// ShutdownTimeout bounds graceful shutdown. Open streams that outlive it
// are cut.
const ShutdownTimeout = 10 * time.Second

// Service is a runnable chat service.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the server fails, then
	// shuts down and releases every resource. Run is called at most once.
	Run(ctx context.Context) error

	// Router returns the configured gin engine for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Use it when New succeeded
	// but Run will not be called.
	Close() error
}

// Options overrides components New would otherwise build from the config.
// Every field is optional.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// AuthProvider replaces the AUTH_TOKENS provider.
	AuthProvider extensions.AuthProvider

	// Provider replaces the configured LLM backend.
	Provider llm.Provider

	// Store replaces the configured store. The service closes it.
	Store storage.Store

	// Searcher replaces the SerpAPI client.
	Searcher search.Searcher

	// Registry receives the service metrics. Defaults to a fresh registry
	// with the Go and process collectors.
	Registry *prometheus.Registry

	// Listener replaces listening on the configured port.
	Listener net.Listener
}

type service struct {
	config *config.Config
	opts   Options
	logger *slog.Logger

	store         storage.Store
	provider      llm.Provider
	metrics       *observability.ChatMetrics
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New builds the service.
//
// # Description
//
// Initializes tracing, metrics, the store, the provider and the router in
// that order. A provider without credentials is not an error: /health stays
// up and each chat request fails with a 500 until the key is configured.
//
// # Inputs
//
//   - ctx: Bounds startup work such as connecting to Postgres.
//   - cfg: A validated configuration.
//   - opts: Optional overrides. Nil uses the config for everything.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Any component failed to initialize. Already initialized
//     components are released.
func New(ctx context.Context, cfg *config.Config, opts *Options) (Service, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator: nil config")
	}
	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	cleanup, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	reg := s.opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewChatMetrics(reg)

	if err := s.initStore(ctx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := s.initProvider(ctx); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM provider: %w", err)
	}
	auth, err := s.authProvider()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	assembler := conversation.NewAssembler(s.store, s.searcher(),
		conversation.WithHistoryLimit(cfg.HistoryLimit),
		conversation.WithSearchTimeout(cfg.Search.Timeout),
		conversation.WithAssemblerMetrics(s.metrics),
		conversation.WithAssemblerLogger(s.logger),
	)
	chat := conversation.NewService(s.store, s.provider, assembler,
		conversation.WithProviderTimeout(cfg.ProviderTimeout),
		conversation.WithMetrics(s.metrics),
		conversation.WithLogger(s.logger),
	)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.SetupRoutes(s.router, routes.Deps{
		Service:  chat,
		Auth:     auth,
		Metrics:  s.metrics,
		Gatherer: reg,
		RateLimit: middleware.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		},
		CORSOrigin:        cfg.CORSAllowOrigin,
		KeepAliveInterval: cfg.KeepAlive,
		ServiceName:       cfg.Tracing.ServiceName,
		Logger:            s.logger,
	})
	return s, nil
}

// Run serves until ctx is done.
//
// # Description
//
// The server and the shutdown watcher run in one errgroup. When ctx is
// cancelled the server stops accepting connections and in-flight requests
// get ShutdownTimeout to finish. Resources are released on return.
//
// # Outputs
//
//   - error: nil after a clean shutdown, otherwise the listen or serve
//     failure.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	ln := s.opts.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting chat server", "addr", ln.Addr().String(), "provider", s.provider.Name())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down chat server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Close() error {
	s.cleanup()
	return nil
}

// initStore opens the configured conversation store.
func (s *service) initStore(ctx context.Context) error {
	if s.opts.Store != nil {
		s.store = s.opts.Store
		return nil
	}

	sc := s.config.Store
	switch strings.ToLower(sc.Driver) {
	case config.DriverPostgres:
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:         sc.DatabaseURL,
			AutoMigrate: sc.AutoMigrate,
			LogLevel:    logger.Warn,
		})
		if err != nil {
			return err
		}
		s.store = store
		s.logger.Info("Using Postgres conversation store")
	default:
		bc := badgerstore.DefaultConfig(sc.BadgerPath)
		if sc.BadgerInMemory {
			bc = badgerstore.InMemoryConfig()
		}
		bc.Logger = s.logger.With("component", "badger")
		store, err := badgerstore.NewStore(bc)
		if err != nil {
			return err
		}
		s.store = store
		s.logger.Info("Using Badger conversation store", "path", bc.Path, "in_memory", bc.InMemory)
	}
	return nil
}

// initProvider builds the LLM backend once. Selection never changes at
// runtime.
func (s *service) initProvider(ctx context.Context) error {
	if s.opts.Provider != nil {
		s.provider = s.opts.Provider
		return nil
	}

	lc := s.config.LLM
	provider, err := llm.New(ctx, llm.Config{
		Provider: lc.Provider,
		OpenAI: llm.OpenAIConfig{
			APIKey:         lc.OpenAI.APIKey,
			Model:          lc.OpenAI.Model,
			EmbeddingModel: lc.OpenAI.EmbeddingModel,
			BaseURL:        lc.OpenAI.BaseURL,
		},
		Gemini: llm.GeminiConfig{
			APIKey:         lc.Gemini.APIKey,
			Model:          lc.Gemini.Model,
			EmbeddingModel: lc.Gemini.EmbeddingModel,
		},
		Ollama: llm.OllamaConfig{
			BaseURL:        lc.Ollama.BaseURL,
			Model:          lc.Ollama.Model,
			EmbeddingModel: lc.Ollama.EmbeddingModel,
		},
	})
	if err != nil {
		return err
	}
	s.provider = provider
	s.logger.Info("Using LLM backend", "provider", provider.Name(), "model", provider.Model())
	return nil
}

// searcher returns nil when no SerpAPI key is configured.
func (s *service) searcher() search.Searcher {
	if s.opts.Searcher != nil {
		return s.opts.Searcher
	}
	if s.config.Search.SerpAPIKey == "" {
		s.logger.Info("SERPAPI_API_KEY not set, search augmentation disabled")
		return nil
	}
	return search.NewSerpAPIClient(search.SerpAPIConfig{
		APIKey:     s.config.Search.SerpAPIKey,
		Timeout:    s.config.Search.Timeout,
		MaxResults: s.config.Search.MaxResults,
	})
}

func (s *service) authProvider() (extensions.AuthProvider, error) {
	if s.opts.AuthProvider != nil {
		return s.opts.AuthProvider, nil
	}
	if s.config.AuthTokens == "" {
		s.logger.Warn("AUTH_TOKENS not set, running in single-user mode")
		return &extensions.NopAuthProvider{}, nil
	}
	tokens, err := extensions.ParseTokenList(s.config.AuthTokens)
	if err != nil {
		return nil, err
	}
	return extensions.NewStaticTokenProvider(tokens)
}

// cleanup releases everything New acquired. Safe to call more than once.
func (s *service) cleanup() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("store close error", "error", err)
		}
		s.store = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

var _ Service = (*service)(nil)
