// Package fetcher implements the fetch worker: it downloads the upstream
// payload for a ticker, uploads the raw JSON to the object store, and
// advances the run to the transform stage.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

const defaultFetchTimeout = 30 * time.Second

// Config holds the fetch worker's configuration.
type Config struct {
	UpstreamURL    string
	BearerToken    string
	Timeout        time.Duration
	RawBucket      string
	TransformTopic string
	NotifyTopic    string
}

// LoadConfig loads fetch worker configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		UpstreamURL:    config.GetEnvStr("STOCK_DATA_API_URL", "http://localhost:8001/data"),
		BearerToken:    config.GetEnvStr("STOCK_DATA_API_KEY", ""),
		Timeout:        config.GetEnvDuration("STOCK_DATA_API_TIMEOUT", defaultFetchTimeout),
		RawBucket:      config.GetEnvStr("STOCK_RAW_DATA_BUCKET", "stock-raw-data"),
		TransformTopic: config.GetEnvStr("TRANSFORM_TOPIC", config.DefaultTransformTopic),
		NotifyTopic:    config.GetEnvStr("NOTIFY_TOPIC", config.DefaultNotifyTopic),
	}
}

// Worker processes fetch tasks.
//
// The worker is idempotent: redelivered tasks for runs already past
// FETCHING return as skipped, so at-least-once delivery is safe. Fetch runs
// safely in parallel across tickers; no database lock is held across the
// HTTP or storage calls.
type Worker struct {
	service *ingestion.Service
	store   objectstore.ObjectStore
	tasks   queue.Queue
	cfg     *Config
	client  *http.Client
	logger  *slog.Logger
}

// Compile-time interface assertion.
var _ queue.Handler = (*Worker)(nil)

// NewWorker creates a fetch worker.
func NewWorker(
	service *ingestion.Service,
	store objectstore.ObjectStore,
	tasks queue.Queue,
	cfg *Config,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		service: service,
		store:   store,
		tasks:   tasks,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// statesPastFetch are the states in which a fetch task is a duplicate
// delivery and must be skipped.
var statesPastFetch = map[ingestion.State]bool{
	ingestion.StateFetched:            true,
	ingestion.StateQueuedForTransform: true,
	ingestion.StateTransformRunning:   true,
	ingestion.StateTransformFinished:  true,
	ingestion.StateDone:               true,
}

// Handle processes one fetch task.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	runID, err := uuid.Parse(task.RunID)
	if err != nil {
		return fmt.Errorf("%w: malformed run id %q: %v", ingestion.ErrInvalidState, task.RunID, err)
	}

	ticker := ingestion.NormalizeTicker(task.Ticker)

	w.logger.Info("Starting fetch task",
		slog.String("run_id", task.RunID),
		slog.String("ticker", ticker),
	)

	run, err := w.service.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Idempotency guard: a run already past fetching means this is a
	// duplicate task delivery.
	if statesPastFetch[run.State] {
		w.logger.Info("Run already past fetching, skipping",
			slog.String("run_id", task.RunID),
			slog.String("state", run.State.String()),
		)

		return nil
	}

	if run.State == ingestion.StateFailed {
		return fmt.Errorf("%w: run %s is FAILED and cannot be fetched", ingestion.ErrInvalidState, runID)
	}

	if run.State != ingestion.StateQueuedForFetch && run.State != ingestion.StateFetching {
		return fmt.Errorf("%w: run %s must be QUEUED_FOR_FETCH or FETCHING, is %s",
			ingestion.ErrInvalidState, runID, run.State)
	}

	if run.State == ingestion.StateQueuedForFetch {
		if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
			RunID:    runID,
			NewState: ingestion.StateFetching,
		}); err != nil {
			return err
		}
	}

	payload, err := w.fetchFromAPI(ctx, ticker)
	if err != nil {
		if !ingestion.IsRetryable(err) {
			w.failRun(ctx, runID, ticker, ingestion.CodeAPIError, err.Error())
		}

		return err
	}

	w.logger.Info("Fetched upstream payload",
		slog.String("ticker", ticker),
		slog.Int("bytes", len(payload)),
	)

	rawURI, err := w.uploadRawData(ctx, ticker, runID, payload)
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrStorageAuthentication):
			w.failRun(ctx, runID, ticker, ingestion.CodeStorageAuthError, err.Error())
		case errors.Is(err, ingestion.ErrStorageBucketNotFound):
			w.failRun(ctx, runID, ticker, ingestion.CodeStorageBucketNotFound, err.Error())
		}

		return err
	}

	if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:      runID,
		NewState:   ingestion.StateFetched,
		RawDataURI: &rawURI,
	}); err != nil {
		return err
	}

	// Hand the run to the transform stage.
	if _, err := w.service.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    runID,
		NewState: ingestion.StateQueuedForTransform,
	}); err != nil {
		return err
	}

	if err := w.tasks.Enqueue(ctx, w.cfg.TransformTopic, queue.Task{
		Type:   queue.TaskTransform,
		RunID:  runID.String(),
		Ticker: ticker,
	}); err != nil {
		w.failRun(ctx, runID, ticker, ingestion.CodeBrokerError, err.Error())

		return err
	}

	w.logger.Info("Completed fetch task",
		slog.String("run_id", task.RunID),
		slog.String("ticker", ticker),
		slog.String("raw_data_uri", rawURI),
	)

	return nil
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

// fetchFromAPI downloads the ticker's payload from the upstream source and
// validates it parses as non-empty JSON.
func (w *Worker) fetchFromAPI(ctx context.Context, ticker string) ([]byte, error) {
	endpoint, err := url.Parse(w.cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid upstream URL: %v", ingestion.ErrAPIClient, err)
	}

	values := endpoint.Query()
	values.Set("ticker", ticker)
	endpoint.RawQuery = values.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ingestion.ErrAPIClient, err)
	}

	if w.cfg.BearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	response, err := w.client.Do(request)
	if err != nil {
		var urlErr *url.Error

		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", ingestion.ErrAPITimeout, ticker, err)
		}

		return nil, fmt.Errorf("%w: %s: %v", ingestion.ErrAPIFetch, ticker, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ingestion.ErrAPIAuthentication, ticker)
	case response.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ingestion.ErrAPINotFound, ticker)
	case response.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ingestion.ErrAPIRateLimit, ticker)
	case response.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s: status %d", ingestion.ErrAPIFetch, ticker, response.StatusCode)
	case response.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s: status %d", ingestion.ErrAPIClient, ticker, response.StatusCode)
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", ingestion.ErrAPIFetch, ticker, err)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty response for %s", ingestion.ErrInvalidDataFormat, ticker)
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: response for %s is not valid JSON", ingestion.ErrInvalidDataFormat, ticker)
	}

	return payload, nil
}

// uploadRawData stores the payload at {ticker}/{run_id}.json in the raw
// bucket and returns the s3:// URI.
func (w *Worker) uploadRawData(ctx context.Context, ticker string, runID uuid.UUID, payload []byte) (string, error) {
	exists, err := w.store.BucketExists(ctx, w.cfg.RawBucket)
	if err != nil {
		return "", classifyStorageError(err)
	}

	if !exists {
		return "", fmt.Errorf("%w: %s", ingestion.ErrStorageBucketNotFound, w.cfg.RawBucket)
	}

	key := fmt.Sprintf("%s/%s.json", ticker, runID)

	if err := w.store.Put(ctx, w.cfg.RawBucket, key, payload, "application/json"); err != nil {
		return "", classifyStorageError(err)
	}

	return objectstore.BuildURI(w.cfg.RawBucket, key), nil
}

// classifyStorageError maps object store errors onto the task taxonomy.
func classifyStorageError(err error) error {
	switch {
	case errors.Is(err, objectstore.ErrAuthentication):
		return fmt.Errorf("%w: %v", ingestion.ErrStorageAuthentication, err)
	case errors.Is(err, objectstore.ErrBucketNotFound):
		return fmt.Errorf("%w: %v", ingestion.ErrStorageBucketNotFound, err)
	case errors.Is(err, objectstore.ErrUpload):
		return fmt.Errorf("%w: %v", ingestion.ErrStorageUpload, err)
	case errors.Is(err, objectstore.ErrObjectNotFound):
		return fmt.Errorf("%w: %v", ingestion.ErrInvalidDataFormat, err)
	default:
		return fmt.Errorf("%w: %v", ingestion.ErrStorageConnection, err)
	}
}
