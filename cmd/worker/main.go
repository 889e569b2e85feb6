// Package main provides the stock-etl worker process.
//
// The worker runs the task-queue consumers: fetch (parallel per ticker),
// transform (single consumer, the versioned-table writer is not
// concurrent-safe), metadata projection, notifications, and the bulk
// fan-out.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/raulstechtips/stock-etl/internal/bulk"
	"github.com/raulstechtips/stock-etl/internal/cache"
	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/events"
	"github.com/raulstechtips/stock-etl/internal/fetcher"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/metadata"
	"github.com/raulstechtips/stock-etl/internal/notify"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/storage"
	"github.com/raulstechtips/stock-etl/internal/table"
	"github.com/raulstechtips/stock-etl/internal/transform"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	routing, err := config.LoadTaskRouting(config.GetEnvStr("TASK_ROUTING_FILE", ""))
	if err != nil {
		log.Fatalf("Invalid task routing configuration: %v", err)
	}

	conn, err := storage.NewConnection(storage.LoadConfig())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	bus := events.NewBus()

	if redisBackend, err := cache.NewRedisBackend(cache.LoadDSN()); err != nil {
		logger.Warn("Cache backend unavailable, invalidation disabled",
			slog.String("error", err.Error()))
	} else {
		cache.NewInvalidator(redisBackend, logger).Register(bus)
	}

	store, err := storage.NewRunStore(conn, storage.WithPublisher(bus))
	if err != nil {
		log.Fatalf("Failed to create run store: %v", err)
	}

	objectStore, err := objectstore.NewMinioStore(objectstore.LoadConfig())
	if err != nil {
		log.Fatalf("Failed to create object store client: %v", err)
	}

	tableBucket := config.GetEnvStr("STOCK_TABLE_BUCKET", "stock-table")
	engine := table.NewDeltaTable(objectStore, tableBucket,
		table.WithUnsafeRenameAllowed(config.GetEnvBool("S3_ALLOW_UNSAFE_RENAME", true)))

	kafkaConfig := queue.LoadKafkaConfig()
	tasks := queue.NewKafkaQueue(kafkaConfig, logger)

	defer func() {
		_ = tasks.Close()
	}()

	service := ingestion.NewService(store, logger)
	policy := queue.DefaultRetryPolicy()

	fetchWorker := fetcher.NewWorker(service, objectStore, tasks, fetcher.LoadConfig(), logger)
	transformWorker := transform.NewWorker(service, objectStore, engine, tasks, transform.LoadConfig(), logger)
	projector := metadata.NewProjector(store, engine, logger)
	notifier := notify.NewNotifier(service, notify.LoadConfig(), logger)
	orchestrator := bulk.NewOrchestrator(service, store, store, tasks, bulk.LoadConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	startConsumers := func(route config.TopicRoute, handler queue.Handler) {
		for i := 0; i < route.Consumers; i++ {
			consumer := queue.NewConsumer(kafkaConfig, route.Topic, handler, policy, logger)

			wg.Add(1)

			go func() {
				defer wg.Done()

				defer func() {
					_ = consumer.Close()
				}()

				if err := consumer.Run(ctx); err != nil {
					logger.Error("Consumer exited with error",
						slog.String("topic", route.Topic),
						slog.String("error", err.Error()),
					)

					stop()
				}
			}()
		}

		logger.Info("Started consumers",
			slog.String("topic", route.Topic),
			slog.Int("count", route.Consumers),
		)
	}

	startConsumers(routing.Fetch, fetchWorker)
	startConsumers(routing.Transform, transformWorker)
	startConsumers(routing.Metadata, projector)
	startConsumers(routing.Notify, notifier)
	startConsumers(routing.Bulk, orchestrator)

	logger.Info("Worker process started")

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining consumers")

	wg.Wait()
	logger.Info("Worker process stopped")
}
