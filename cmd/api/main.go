// Package main provides the stock-etl HTTP API server.
//
// The API exposes the ticker/run/bulk-run read views, the queue endpoints
// that drive the ingestion pipeline, and the raw-data passthrough. Workers
// run in the separate worker binary.
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/raulstechtips/stock-etl/internal/api"
	"github.com/raulstechtips/stock-etl/internal/api/middleware"
	"github.com/raulstechtips/stock-etl/internal/cache"
	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/events"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	// Cache backend is optional: without it the API serves uncached and
	// the invalidation fabric degrades to a logged no-op.
	var cacheBackend cache.Store

	bus := events.NewBus()

	redisBackend, err := cache.NewRedisBackend(cache.LoadDSN())
	if err != nil {
		logger.Warn("Cache backend unavailable, serving uncached",
			slog.String("error", err.Error()))
	} else {
		cacheBackend = redisBackend

		cache.NewInvalidator(redisBackend, logger).Register(bus)
	}

	store, err := storage.NewRunStore(conn, storage.WithPublisher(bus))
	if err != nil {
		log.Fatalf("Failed to create run store: %v", err)
	}

	keyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		log.Fatalf("Failed to create API key store: %v", err)
	}

	objectStore, err := objectstore.NewMinioStore(objectstore.LoadConfig())
	if err != nil {
		log.Fatalf("Failed to create object store client: %v", err)
	}

	tasks := queue.NewKafkaQueue(queue.LoadKafkaConfig(), logger)

	defer func() {
		_ = tasks.Close()
	}()

	service := ingestion.NewService(store, logger)

	limiter := middleware.NewInMemoryRateLimiter(middleware.DefaultRateLimiterConfig())

	defer func() {
		_ = limiter.Close()
	}()

	server := api.NewServer(api.LoadServerConfig(), api.Deps{
		Service:     service,
		Store:       store,
		APIKeyStore: keyStore,
		RateLimiter: limiter,
		Tasks:       tasks,
		ObjectStore: objectStore,
		Cache:       cacheBackend,
	})

	if err := server.Start(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
