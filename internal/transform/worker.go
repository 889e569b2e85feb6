package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/table"
)

// Config holds the transform worker's configuration.
type Config struct {
	MetadataTopic string
	NotifyTopic   string
}

// LoadConfig loads transform worker configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		MetadataTopic: config.GetEnvStr("METADATA_TOPIC", config.DefaultMetadataTopic),
		NotifyTopic:   config.GetEnvStr("NOTIFY_TOPIC", config.DefaultNotifyTopic),
	}
}

// Worker processes transform tasks: download raw JSON, reshape into the
// unified row set, merge into the versioned table, and finish the run.
//
// The versioned-table writer is not concurrent-safe, so this worker must
// run with exactly one consumer per table; the queue topology enforces
// that. Redelivered tasks for runs already past TRANSFORM_RUNNING return as
// skipped.
type Worker struct {
	service *ingestion.Service
	store   objectstore.ObjectStore
	engine  table.Engine
	tasks   queue.Queue
	cfg     *Config
	logger  *slog.Logger
}

// Compile-time interface assertion.
var _ queue.Handler = (*Worker)(nil)

// NewWorker creates a transform worker.
func NewWorker(
	service *ingestion.Service,
	store objectstore.ObjectStore,
	engine table.Engine,
	tasks queue.Queue,
	cfg *Config,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		service: service,
		store:   store,
		engine:  engine,
		tasks:   tasks,
		cfg:     cfg,
		logger:  logger,
	}
}

// Handle processes one transform task.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	runID, err := uuid.Parse(task.RunID)
	if err != nil {
		return fmt.Errorf("%w: malformed run id %q: %v", ingestion.ErrInvalidState, task.RunID, err)
	}

	ticker := ingestion.NormalizeTicker(task.Ticker)

	w.logger.Info("Starting transform task",
		slog.String("run_id", task.RunID),
		slog.String("ticker", ticker),
	)

	run, err := w.service.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Idempotency guard: already transformed means a duplicate delivery.
	if run.State == ingestion.StateTransformFinished || run.State == ingestion.StateDone {
		w.logger.Info("Run already past transform, skipping",
			slog.String("run_id", task.RunID),
			slog.String("state", run.State.String()),
		)

		return nil
	}

	if run.State == ingestion.StateFailed {
		return fmt.Errorf("%w: run %s is FAILED and cannot be transformed", ingestion.ErrInvalidState, runID)
	}

	if run.State != ingestion.StateQueuedForTransform && run.State != ingestion.StateTransformRunning {
		return fmt.Errorf("%w: run %s must be QUEUED_FOR_TRANSFORM or TRANSFORM_RUNNING, is %s",
			ingestion.ErrInvalidState, runID, run.State)
	}

	if run.RawDataURI == nil || *run.RawDataURI == "" {
		w.failRun(ctx, runID, ticker, ingestion.CodeMissingRawData, "no raw_data_uri found for run")

		return fmt.Errorf("%w: run %s has no raw_data_uri", ingestion.ErrInvalidState, runID)
	}

	if run.State == ingestion.StateQueuedForTransform {
		if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
			RunID:    runID,
			NewState: ingestion.StateTransformRunning,
		}); err != nil {
			return err
		}
	}

	payload, err := w.downloadRawData(ctx, *run.RawDataURI)
	if err != nil {
		if !ingestion.IsRetryable(err) {
			w.failRun(ctx, runID, ticker, ingestion.CodeStorageError, err.Error())
		}

		return err
	}

	frame, err := Reshape(payload, ticker)
	if err != nil {
		w.failRun(ctx, runID, ticker, ingestion.CodeDataTransformation, err.Error())

		return err
	}

	w.logger.Info("Reshaped payload into unified rows",
		slog.String("ticker", ticker),
		slog.Int("rows", frame.NumRows()),
		slog.Any("record_types", frame.RecordTypes()),
	)

	processedURI, err := w.engine.Merge(ctx, frame)
	if err != nil {
		wrapped := classifyTableError(err)
		w.failRun(ctx, runID, ticker, ingestion.CodeTableError, wrapped.Error())

		return wrapped
	}

	if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:            runID,
		NewState:         ingestion.StateTransformFinished,
		ProcessedDataURI: &processedURI,
	}); err != nil {
		return err
	}

	// The run succeeded at TRANSFORM_FINISHED. Nothing below may revert
	// that: failures in the DONE transition or downstream enqueues are
	// logged and swallowed.
	w.finishRun(ctx, runID, ticker)

	return nil
}

// finishRun transitions to DONE and enqueues the metadata projection and
// the completion notification.
func (w *Worker) finishRun(ctx context.Context, runID uuid.UUID, ticker string) {
	if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    runID,
		NewState: ingestion.StateDone,
	}); err != nil {
		w.logger.Error("Failed to transition run to DONE",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := w.tasks.Enqueue(ctx, w.cfg.MetadataTopic, queue.Task{
		Type:   queue.TaskMetadata,
		Ticker: ticker,
	}); err != nil {
		w.logger.Error("Failed to enqueue metadata update task",
			slog.String("run_id", runID.String()),
			slog.String("ticker", ticker),
			slog.String("error", err.Error()),
		)
	}

	if err := w.tasks.Enqueue(ctx, w.cfg.NotifyTopic, queue.Task{
		Type:   queue.TaskNotify,
		RunID:  runID.String(),
		Ticker: ticker,
		State:  ingestion.StateDone.String(),
	}); err != nil {
		w.logger.Warn("Failed to enqueue completion notification",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}

	w.logger.Info("Completed transform task",
		slog.String("run_id", runID.String()),
		slog.String("ticker", ticker),
	)
}

// OnRetriesExhausted marks the run FAILED after the final retryable failure.
func (w *Worker) OnRetriesExhausted(ctx context.Context, task queue.Task, err error) {
	runID, parseErr := uuid.Parse(task.RunID)
	if parseErr != nil {
		return
	}

	w.failRun(ctx, runID, task.Ticker, ingestion.CodeMaxRetriesExceeded,
		fmt.Sprintf("Failed after 3 attempts: %v", err))
}

// failRun transitions the run to FAILED and enqueues a failure notification.
func (w *Worker) failRun(ctx context.Context, runID uuid.UUID, ticker, code, message string) {
	w.service.MarkRunFailed(ctx, runID, code, message)

	if err := w.tasks.Enqueue(ctx, w.cfg.NotifyTopic, queue.Task{
		Type:   queue.TaskNotify,
		RunID:  runID.String(),
		Ticker: ticker,
		State:  ingestion.StateFailed.String(),
	}); err != nil {
		w.logger.Warn("Failed to enqueue failure notification",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// downloadRawData fetches the raw payload referenced by the run.
func (w *Worker) downloadRawData(ctx context.Context, rawURI string) ([]byte, error) {
	bucket, key, err := objectstore.ParseURI(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingestion.ErrInvalidDataFormat, err)
	}

	exists, err := w.store.BucketExists(ctx, bucket)
	if err != nil {
		return nil, classifyDownloadError(err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrStorageBucketNotFound, bucket)
	}

	payload, err := w.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, classifyDownloadError(err)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: downloaded file is empty", ingestion.ErrInvalidDataFormat)
	}

	return payload, nil
}

// classifyDownloadError maps object store errors onto the task taxonomy.
func classifyDownloadError(err error) error {
	switch {
	case errors.Is(err, objectstore.ErrAuthentication):
		return fmt.Errorf("%w: %v", ingestion.ErrStorageAuthentication, err)
	case errors.Is(err, objectstore.ErrBucketNotFound):
		return fmt.Errorf("%w: %v", ingestion.ErrStorageBucketNotFound, err)
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return fmt.Errorf("%w: %v", ingestion.ErrInvalidDataFormat, err)
	default:
		return fmt.Errorf("%w: %v", ingestion.ErrStorageConnection, err)
	}
}

// classifyTableError maps engine errors onto the task taxonomy.
func classifyTableError(err error) error {
	switch {
	case errors.Is(err, table.ErrTableMerge), errors.Is(err, table.ErrConcurrentCommit):
		return fmt.Errorf("%w: %v", ingestion.ErrTableMerge, err)
	case errors.Is(err, table.ErrTableRead):
		return fmt.Errorf("%w: %v", ingestion.ErrTableRead, err)
	default:
		return fmt.Errorf("%w: %v", ingestion.ErrTableWrite, err)
	}
}
