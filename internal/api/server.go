package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raulstechtips/stock-etl/internal/api/middleware"
	"github.com/raulstechtips/stock-etl/internal/cache"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/storage"
)

// Deps carries the server's injected dependencies.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration (what) is separated from dependencies (how).
type Deps struct {
	Service     *ingestion.Service
	Store       Store
	APIKeyStore storage.APIKeyStore    // nil disables authentication
	RateLimiter middleware.RateLimiter // nil disables rate limiting
	Tasks       queue.Queue
	ObjectStore objectstore.ObjectStore
	Cache       cache.Store // nil disables response caching
}

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	service     *ingestion.Service
	store       Store
	apiKeyStore storage.APIKeyStore
	rateLimiter middleware.RateLimiter
	tasks       queue.Queue
	objectStore objectstore.ObjectStore
	pageCache   *cache.PageCache
	statsCache  cache.Store
}

// NewServer creates a new HTTP server instance with structured logging and
// middleware stack.
func NewServer(cfg *ServerConfig, deps Deps) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if deps.Service == nil || deps.Store == nil {
		logger.Error("Service and Store are required - cannot start server without core functionality")
		panic("stock-etl: Service and Store cannot be nil - this indicates a wiring error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		service:     deps.Service,
		store:       deps.Store,
		apiKeyStore: deps.APIKeyStore,
		rateLimiter: deps.RateLimiter,
		tasks:       deps.Tasks,
		objectStore: deps.ObjectStore,
		pageCache:   cache.NewPageCache(deps.Cache, cache.DefaultPageTTL, logger),
		statsCache:  deps.Cache,
	}

	server.setupRoutes(mux)

	if deps.APIKeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication middleware enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - tag every response
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Auth - reject anonymous requests before any work (optional)
	//   4. RateLimit - block floods before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.APIKeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the server's fully-wired HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting stock-etl API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close dependencies best-effort - log failures but continue shutdown.
	s.closeDependency("rate limiter", s.rateLimiter)
	s.closeDependency("task queue", s.tasks)
	s.closeDependency("cache backend", s.statsCache)

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeDependency attempts to close a server dependency that implements io.Closer.
func (s *Server) closeDependency(name string, dependency any) {
	if dependency == nil {
		return
	}

	closer, ok := dependency.(io.Closer)
	if !ok {
		return
	}

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
