package bulk

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

type bulkFixture struct {
	orchestrator *Orchestrator
	store        *ingestion.MemoryStore
	tasks        *queue.MemoryQueue
}

func newBulkFixture(t *testing.T) *bulkFixture {
	t.Helper()

	store := ingestion.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := ingestion.NewService(store, logger)
	tasks := queue.NewMemoryQueue()

	orchestrator := NewOrchestrator(service, store, store, tasks, &Config{
		FetchTopic: config.DefaultFetchTopic,
	}, logger)

	return &bulkFixture{orchestrator: orchestrator, store: store, tasks: tasks}
}

func TestOrchestrator_MixedStateFanOut(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newBulkFixture(t)
	ctx := context.Background()

	// X has an active FETCHING run.
	activeRun, _, err := fixture.store.QueueForFetch(ctx, "XCORP", nil, nil)
	require.NoError(t, err)
	_, err = fixture.store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    activeRun.ID,
		NewState: ingestion.StateFetching,
	})
	require.NoError(t, err)

	// Y has only a DONE run.
	doneRun, _, err := fixture.store.QueueForFetch(ctx, "YCORP", nil, nil)
	require.NoError(t, err)

	for _, state := range []ingestion.State{
		ingestion.StateFetching, ingestion.StateFetched, ingestion.StateQueuedForTransform,
		ingestion.StateTransformRunning, ingestion.StateTransformFinished, ingestion.StateDone,
	} {
		_, err = fixture.store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
			RunID:    doneRun.ID,
			NewState: state,
		})
		require.NoError(t, err)
	}

	// Z has no runs.
	_, _, err = fixture.store.GetOrCreateStock(ctx, "ZCORP")
	require.NoError(t, err)

	bulkRun, err := fixture.store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)

	err = fixture.orchestrator.Handle(ctx, queue.Task{
		Type:      queue.TaskBulk,
		BulkRunID: bulkRun.ID.String(),
	})
	require.NoError(t, err)

	final, err := fixture.store.GetBulkRun(ctx, bulkRun.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, final.TotalStocks)
	assert.Equal(t, 2, final.QueuedCount, "Y and Z get new runs")
	assert.Equal(t, 1, final.SkippedCount, "X's active run is reused")
	assert.Equal(t, 0, final.ErrorCount)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 0, final.PendingCount())

	// Fetch was enqueued exactly twice (for the created runs only).
	fetchTasks := fixture.tasks.Tasks(config.DefaultFetchTopic)
	assert.Len(t, fetchTasks, 2)

	// X's existing run is linked to the bulk run.
	linked, err := fixture.store.GetRun(ctx, activeRun.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.BulkRunID)
	assert.Equal(t, bulkRun.ID, *linked.BulkRunID)
}

func TestOrchestrator_EnqueueFailureReconcilesCounters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newBulkFixture(t)
	ctx := context.Background()

	_, _, err := fixture.store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)

	fixture.tasks.FailTopics[config.DefaultFetchTopic] = true

	bulkRun, err := fixture.store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)

	err = fixture.orchestrator.Handle(ctx, queue.Task{
		Type:      queue.TaskBulk,
		BulkRunID: bulkRun.ID.String(),
	})
	require.NoError(t, err)

	final, err := fixture.store.GetBulkRun(ctx, bulkRun.ID)
	require.NoError(t, err)

	// The queued increment was rolled into the error count.
	assert.Equal(t, 1, final.TotalStocks)
	assert.Equal(t, 0, final.QueuedCount)
	assert.Equal(t, 0, final.SkippedCount)
	assert.Equal(t, 1, final.ErrorCount)
	assert.NotNil(t, final.CompletedAt)
}

func TestOrchestrator_ExchangeFilter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newBulkFixture(t)
	ctx := context.Background()

	_, _, err := fixture.store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)
	_, _, err = fixture.store.GetOrCreateStock(ctx, "SAP")
	require.NoError(t, err)

	fixture.store.SetStockExchange("AAPL", "NASDAQ")
	fixture.store.SetStockExchange("SAP", "XETRA")

	exchange := "nasdaq"
	bulkRun, err := fixture.store.CreateBulkRun(ctx, nil, &exchange)
	require.NoError(t, err)

	err = fixture.orchestrator.Handle(ctx, queue.Task{
		Type:      queue.TaskBulk,
		BulkRunID: bulkRun.ID.String(),
	})
	require.NoError(t, err)

	final, err := fixture.store.GetBulkRun(ctx, bulkRun.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, final.TotalStocks)
	assert.Equal(t, 1, final.QueuedCount)

	fetchTasks := fixture.tasks.Tasks(config.DefaultFetchTopic)
	require.Len(t, fetchTasks, 1)
	assert.Equal(t, "AAPL", fetchTasks[0].Ticker)
}

func TestOrchestrator_UnknownBulkRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newBulkFixture(t)

	err := fixture.orchestrator.Handle(context.Background(), queue.Task{
		Type:      queue.TaskBulk,
		BulkRunID: "00000000-0000-0000-0000-000000000000",
	})
	require.ErrorIs(t, err, ingestion.ErrBulkRunNotFound)
	assert.False(t, ingestion.IsRetryable(err))
}
