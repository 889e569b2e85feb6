package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewService(store, logger), store
}

func TestService_GetStatus_StockNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()

	_, err := service.GetStatus(context.Background(), "GHOST")
	require.ErrorIs(t, err, ErrStockNotFound)
}

func TestService_GetStatus_NoRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, store := newTestService()

	_, _, err := store.GetOrCreateStock(context.Background(), "AAPL")
	require.NoError(t, err)

	status, err := service.GetStatus(context.Background(), " aapl ")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", status.Ticker)
	assert.Nil(t, status.RunID)
	assert.Nil(t, status.State)
	assert.Nil(t, status.CreatedAt)
}

func TestService_QueueForFetch_CreatesRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()

	run, created, err := service.QueueForFetch(context.Background(), "aapl", nil, nil)
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, StateQueuedForFetch, run.State)
	assert.NotNil(t, run.QueuedForFetchAt)
	require.NotNil(t, run.Stock)
	assert.Equal(t, "AAPL", run.Stock.Ticker)

	// A request id is generated from the wall clock when absent.
	require.NotNil(t, run.RequestID)
	assert.Regexp(t, regexp.MustCompile(`^\d{14}\d{9}$`), *run.RequestID)
}

func TestService_QueueForFetch_IdempotentFastPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()

	first, created, err := service.QueueForFetch(context.Background(), "AAPL", nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	// Re-queueing while the run is active returns the same run.
	second, created, err := service.QueueForFetch(context.Background(), "AaPl", nil, nil)
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestService_QueueForFetch_NewRunAfterTerminal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()
	ctx := context.Background()

	first, _, err := service.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	code := "API_ERROR"
	message := "upstream said no"
	_, err = service.UpdateRunState(ctx, UpdateRunStateParams{
		RunID:        first.ID,
		NewState:     StateFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	require.NoError(t, err)

	second, created, err := service.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestService_QueueForFetch_InvalidTicker(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()

	_, _, err := service.QueueForFetch(context.Background(), "BRK.B", nil, nil)
	require.ErrorIs(t, err, ErrInvalidTicker)
}

func TestService_UpdateRunState_FailedRequiresErrorFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()
	ctx := context.Background()

	run, _, err := service.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	_, err = service.UpdateRunState(ctx, UpdateRunStateParams{
		RunID:    run.ID,
		NewState: StateFailed,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
}

func TestService_UpdateRunState_PhaseTimestampFirstEntryWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, _ := newTestService()
	ctx := context.Background()

	run, _, err := service.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	firstStamp := *run.QueuedForFetchAt

	updated, err := service.UpdateRunState(ctx, UpdateRunStateParams{
		RunID:    run.ID,
		NewState: StateFetching,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.FetchingStartedAt)

	// The earlier stamp survives later updates.
	assert.True(t, updated.QueuedForFetchAt.Equal(firstStamp))
}

func TestService_MarkRunFailed_SwallowsTerminalRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	service, store := newTestService()
	ctx := context.Background()

	run, _, err := service.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	service.MarkRunFailed(ctx, run.ID, "API_ERROR", "boom")

	failed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.NotNil(t, failed.FailedAt)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, "API_ERROR", *failed.ErrorCode)

	// Failing an already-FAILED run must not panic or error out.
	service.MarkRunFailed(ctx, run.ID, "API_ERROR", "boom again")

	reloaded, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", *reloaded.ErrorMessage)
}

func TestGenerateRequestID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	stamp := time.Date(2026, 4, 15, 9, 30, 21, 123456789, time.UTC)

	assert.Equal(t, "20260415093021123456789", generateRequestID(stamp))
}
