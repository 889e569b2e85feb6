package fetcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

const testRawBucket = "stock-raw-data"

type fetcherFixture struct {
	worker  *Worker
	store   *ingestion.MemoryStore
	objects *objectstore.MemoryStore
	tasks   *queue.MemoryQueue
}

func newFetcherFixture(t *testing.T, upstreamURL string) *fetcherFixture {
	t.Helper()

	store := ingestion.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := ingestion.NewService(store, logger)
	objects := objectstore.NewMemoryStore(testRawBucket)
	tasks := queue.NewMemoryQueue()

	worker := NewWorker(service, objects, tasks, &Config{
		UpstreamURL:    upstreamURL,
		BearerToken:    "test-token",
		Timeout:        5 * time.Second,
		RawBucket:      testRawBucket,
		TransformTopic: config.DefaultTransformTopic,
		NotifyTopic:    config.DefaultNotifyTopic,
	}, logger)

	return &fetcherFixture{worker: worker, store: store, objects: objects, tasks: tasks}
}

func (f *fetcherFixture) queuedRun(t *testing.T, ticker string) *ingestion.Run {
	t.Helper()

	run, created, err := f.store.QueueForFetch(context.Background(), ticker, nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	return run
}

func TestFetchWorker_HappyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("ticker"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"metadata": {"name": "Apple Inc."}}}`))
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	ctx := context.Background()

	run := fixture.queuedRun(t, "AAPL")

	err := fixture.worker.Handle(ctx, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: "AAPL",
	})
	require.NoError(t, err)

	updated, err := fixture.store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	// The run moved through FETCHING and FETCHED to the transform stage.
	assert.Equal(t, ingestion.StateQueuedForTransform, updated.State)
	assert.NotNil(t, updated.FetchingStartedAt)
	assert.NotNil(t, updated.FetchingFinishedAt)
	assert.NotNil(t, updated.QueuedForTransformAt)

	expectedURI := "s3://" + testRawBucket + "/AAPL/" + run.ID.String() + ".json"
	require.NotNil(t, updated.RawDataURI)
	assert.Equal(t, expectedURI, *updated.RawDataURI)

	// The raw bytes landed at {ticker}/{run_id}.json.
	payload, err := fixture.objects.Get(ctx, testRawBucket, "AAPL/"+run.ID.String()+".json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data": {"metadata": {"name": "Apple Inc."}}}`, string(payload))

	// Exactly one transform task enqueued.
	transformTasks := fixture.tasks.Tasks(config.DefaultTransformTopic)
	require.Len(t, transformTasks, 1)
	assert.Equal(t, run.ID.String(), transformTasks[0].RunID)
}

func TestFetchWorker_NotFoundIsNonRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	ctx := context.Background()

	run := fixture.queuedRun(t, "GHOST")

	err := fixture.worker.Handle(ctx, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: "GHOST",
	})
	require.ErrorIs(t, err, ingestion.ErrAPINotFound)
	assert.False(t, ingestion.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors never re-attempt")

	failed, err := fixture.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ingestion.StateFailed, failed.State)
	assert.Equal(t, ingestion.CodeAPIError, *failed.ErrorCode)
	require.NotNil(t, failed.FailedAt)

	// The failure notification went out.
	notifyTasks := fixture.tasks.Tasks(config.DefaultNotifyTopic)
	require.Len(t, notifyTasks, 1)
	assert.Equal(t, ingestion.StateFailed.String(), notifyTasks[0].State)
}

func TestFetchWorker_StatusClassification(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		status    int
		wantErr   error
		retryable bool
	}{
		{"401 authentication", http.StatusUnauthorized, ingestion.ErrAPIAuthentication, false},
		{"404 not found", http.StatusNotFound, ingestion.ErrAPINotFound, false},
		{"429 rate limit", http.StatusTooManyRequests, ingestion.ErrAPIRateLimit, true},
		{"500 server error", http.StatusInternalServerError, ingestion.ErrAPIFetch, true},
		{"503 unavailable", http.StatusServiceUnavailable, ingestion.ErrAPIFetch, true},
		{"418 other 4xx", http.StatusTeapot, ingestion.ErrAPIClient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer upstream.Close()

			fixture := newFetcherFixture(t, upstream.URL)
			run := fixture.queuedRun(t, "AAPL")

			err := fixture.worker.Handle(context.Background(), queue.Task{
				Type:   queue.TaskFetch,
				RunID:  run.ID.String(),
				Ticker: "AAPL",
			})
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.retryable, ingestion.IsRetryable(err))
		})
	}
}

func TestFetchWorker_InvalidJSONBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	run := fixture.queuedRun(t, "AAPL")

	err := fixture.worker.Handle(context.Background(), queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: "AAPL",
	})
	require.ErrorIs(t, err, ingestion.ErrInvalidDataFormat)
	assert.False(t, ingestion.IsRetryable(err))
}

func TestFetchWorker_IdempotentSkip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data": {"metadata": {"name": "Apple Inc."}}}`))
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	ctx := context.Background()

	run := fixture.queuedRun(t, "AAPL")
	task := queue.Task{Type: queue.TaskFetch, RunID: run.ID.String(), Ticker: "AAPL"}

	require.NoError(t, fixture.worker.Handle(ctx, task))
	require.Equal(t, int32(1), calls.Load())

	// Redelivery: the run is already past fetching, nothing happens.
	fixture.tasks.Drain(config.DefaultTransformTopic)

	require.NoError(t, fixture.worker.Handle(ctx, task))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, fixture.tasks.Tasks(config.DefaultTransformTopic))
}

func TestFetchWorker_FailedRunRejected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newFetcherFixture(t, "http://unused.invalid")
	ctx := context.Background()

	run := fixture.queuedRun(t, "AAPL")

	code := ingestion.CodeAPIError
	message := "previous failure"
	_, err := fixture.store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:        run.ID,
		NewState:     ingestion.StateFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	require.NoError(t, err)

	err = fixture.worker.Handle(ctx, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: "AAPL",
	})
	require.ErrorIs(t, err, ingestion.ErrInvalidState)
}

func TestFetchWorker_RetryExhaustionMarksFailed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	ctx := context.Background()

	run := fixture.queuedRun(t, "AAPL")
	task := queue.Task{Type: queue.TaskFetch, RunID: run.ID.String(), Ticker: "AAPL"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := queue.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}

	err := policy.Execute(ctx, logger, task, fixture.worker)
	require.Error(t, err)

	// Exactly three HTTP attempts were made.
	assert.Equal(t, int32(3), calls.Load())

	failed, err := fixture.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ingestion.StateFailed, failed.State)
	assert.Equal(t, ingestion.CodeMaxRetriesExceeded, *failed.ErrorCode)
}

func TestFetchWorker_BrokerFailureAfterFetch(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"metadata": {"name": "Apple Inc."}}}`))
	}))
	defer upstream.Close()

	fixture := newFetcherFixture(t, upstream.URL)
	fixture.tasks.FailTopics[config.DefaultTransformTopic] = true

	ctx := context.Background()
	run := fixture.queuedRun(t, "AAPL")

	err := fixture.worker.Handle(ctx, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: "AAPL",
	})
	require.ErrorIs(t, err, queue.ErrEnqueueFailed)

	failed, err := fixture.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ingestion.StateFailed, failed.State)
	assert.Equal(t, ingestion.CodeBrokerError, *failed.ErrorCode)
}
