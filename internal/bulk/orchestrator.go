// Package bulk implements the bulk orchestrator: the fan-out of one
// request into individual ingestion runs across all stocks, with live
// aggregate counters on the bulk run record.
package bulk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

// progressLogInterval is how many tickers pass between progress log lines.
const progressLogInterval = 100

// Config holds the bulk orchestrator's configuration.
type Config struct {
	FetchTopic string
}

// LoadConfig loads bulk orchestrator configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		FetchTopic: config.GetEnvStr("FETCH_TOPIC", config.DefaultFetchTopic),
	}
}

// Orchestrator processes bulk fan-out tasks.
//
// Counters live in the database and are updated with atomic arithmetic, so
// they stay correct under retries and parallel workers; progress reads them
// back rather than tracking in-process state. A crash mid-fan-out leaves
// completed_at null, which is how callers detect incomplete bulk runs.
type Orchestrator struct {
	service   *ingestion.Service
	store     ingestion.Store
	bulkStore ingestion.BulkStore
	tasks     queue.Queue
	cfg       *Config
	logger    *slog.Logger
}

// Compile-time interface assertion.
var _ queue.Handler = (*Orchestrator)(nil)

// NewOrchestrator creates a bulk orchestrator.
func NewOrchestrator(
	service *ingestion.Service,
	store ingestion.Store,
	bulkStore ingestion.BulkStore,
	tasks queue.Queue,
	cfg *Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		service:   service,
		store:     store,
		bulkStore: bulkStore,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle processes one bulk fan-out task.
func (o *Orchestrator) Handle(ctx context.Context, task queue.Task) error {
	bulkRunID, err := uuid.Parse(task.BulkRunID)
	if err != nil {
		return fmt.Errorf("%w: malformed bulk run id %q: %v", ingestion.ErrBulkRunNotFound, task.BulkRunID, err)
	}

	bulkRun, err := o.bulkStore.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		return err
	}

	if err := o.bulkStore.MarkBulkRunStarted(ctx, bulkRunID); err != nil {
		return err
	}

	exchangeFilter := ""
	if bulkRun.ExchangeFilter != nil {
		exchangeFilter = *bulkRun.ExchangeFilter
	}

	tickers, err := o.bulkStore.ListTickers(ctx, exchangeFilter)
	if err != nil {
		return err
	}

	if err := o.bulkStore.SetBulkRunTotal(ctx, bulkRunID, len(tickers)); err != nil {
		return err
	}

	o.logger.Info("Starting bulk fan-out",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("total_stocks", len(tickers)),
		slog.String("exchange_filter", exchangeFilter),
	)

	requestID := "bulk-queue-" + bulkRunID.String()

	for index, ticker := range tickers {
		o.processTicker(ctx, bulkRun, ticker, requestID)

		if (index+1)%progressLogInterval == 0 {
			o.logProgress(ctx, bulkRunID, index+1, len(tickers))
		}
	}

	if err := o.bulkStore.MarkBulkRunCompleted(ctx, bulkRunID); err != nil {
		return err
	}

	final, err := o.bulkStore.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		return err
	}

	o.logger.Info("Completed bulk fan-out",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("total_stocks", final.TotalStocks),
		slog.Int("queued", final.QueuedCount),
		slog.Int("skipped", final.SkippedCount),
		slog.Int("errors", final.ErrorCount),
	)

	return nil
}

// processTicker queues a single ticker, links its run to the bulk run, and
// maintains the counters. Individual ticker failures never abort the
// fan-out.
func (o *Orchestrator) processTicker(
	ctx context.Context,
	bulkRun *ingestion.BulkQueueRun,
	ticker, requestID string,
) {
	run, created, err := o.service.QueueForFetch(ctx, ticker, bulkRun.RequestedBy, &requestID)
	if err != nil {
		o.countError(ctx, bulkRun.ID, ticker, err)

		return
	}

	if run.BulkRunID == nil || *run.BulkRunID != bulkRun.ID {
		if err := o.store.LinkRunToBulkRun(ctx, run.ID, bulkRun.ID); err != nil {
			o.countError(ctx, bulkRun.ID, ticker, err)

			return
		}
	}

	if !created {
		if err := o.bulkStore.IncrementBulkCounters(ctx, bulkRun.ID, 0, 1, 0); err != nil {
			o.logger.Error("Failed to increment skipped count",
				slog.String("bulk_run_id", bulkRun.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if err := o.bulkStore.IncrementBulkCounters(ctx, bulkRun.ID, 1, 0, 0); err != nil {
		o.logger.Error("Failed to increment queued count",
			slog.String("bulk_run_id", bulkRun.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	err = o.tasks.Enqueue(ctx, o.cfg.FetchTopic, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: ticker,
	})
	if err != nil {
		o.logger.Error("Failed to enqueue fetch task during fan-out",
			slog.String("bulk_run_id", bulkRun.ID.String()),
			slog.String("ticker", ticker),
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)

		// The run exists but no worker will pick it up from this request;
		// move the tally from queued to error.
		if err := o.bulkStore.IncrementBulkCounters(ctx, bulkRun.ID, -1, 0, 1); err != nil {
			o.logger.Error("Failed to reconcile counters after enqueue failure",
				slog.String("bulk_run_id", bulkRun.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// countError tallies a per-ticker failure and keeps going.
func (o *Orchestrator) countError(ctx context.Context, bulkRunID uuid.UUID, ticker string, cause error) {
	o.logger.Error("Error processing stock in bulk fan-out",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.String("ticker", ticker),
		slog.String("error", cause.Error()),
	)

	if err := o.bulkStore.IncrementBulkCounters(ctx, bulkRunID, 0, 0, 1); err != nil {
		o.logger.Error("Failed to increment error count",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// logProgress reads the counters back from the database and logs them.
func (o *Orchestrator) logProgress(ctx context.Context, bulkRunID uuid.UUID, processed, total int) {
	current, err := o.bulkStore.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		o.logger.Warn("Could not read bulk run for progress log",
			slog.String("bulk_run_id", bulkRunID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	o.logger.Info("Bulk fan-out progress",
		slog.String("bulk_run_id", bulkRunID.String()),
		slog.Int("processed", processed),
		slog.Int("total_stocks", total),
		slog.Int("queued", current.QueuedCount),
		slog.Int("skipped", current.SkippedCount),
		slog.Int("errors", current.ErrorCount),
	)
}

// OnRetriesExhausted logs the dropped fan-out; the bulk run keeps a null
// completed_at so callers can detect it.
func (o *Orchestrator) OnRetriesExhausted(_ context.Context, task queue.Task, err error) {
	o.logger.Error("Dropping bulk fan-out after exhausted retries",
		slog.String("bulk_run_id", task.BulkRunID),
		slog.String("error", err.Error()),
	)
}
