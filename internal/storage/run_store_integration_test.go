package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/events"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

// setupRunStore spins up a migrated PostgreSQL container and returns a run
// store over it.
func setupRunStore(t *testing.T) (*RunStore, *events.Bus) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	bus := events.NewBus()

	store, err := NewRunStore(&Connection{testDB.Connection}, WithPublisher(bus))
	require.NoError(t, err)

	return store, bus
}

func TestRunStoreIntegration_TickerNormalizationUniqueness(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	// All spellings resolve to one row; the service normalizes before the
	// store sees the ticker.
	first, created, err := store.GetOrCreateStock(ctx, ingestion.NormalizeTicker(" aapl "))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.GetOrCreateStock(ctx, ingestion.NormalizeTicker("AaPl"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "AAPL", second.Ticker)
}

func TestRunStoreIntegration_QueueForFetchLifecycle(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	run, created, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	assert.Equal(t, ingestion.StateQueuedForFetch, run.State)
	assert.NotNil(t, run.QueuedForFetchAt)
	require.NotNil(t, run.Stock)
	assert.Equal(t, "AAPL", run.Stock.Ticker)

	// The idempotent fast path returns the same run.
	again, created, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, run.ID, again.ID)

	// At most one active run exists.
	active, err := store.ActiveRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRunStoreIntegration_PartialUniqueConstraint(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	run, created, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	// Insert a second active run behind the store's back: the database
	// must reject it via the partial unique index.
	_, err = store.conn.ExecContext(ctx, `
		INSERT INTO stock_ingestion_runs (id, stock_id, state, queued_for_fetch_at)
		VALUES (gen_random_uuid(), $1, 'QUEUED_FOR_FETCH', NOW())`, run.StockID)
	require.Error(t, err)
	assert.True(t, isConstraintViolation(err, activeRunConstraint))

	// Terminal runs accumulate freely.
	code := "API_ERROR"
	message := "boom"
	_, err = store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:        run.ID,
		NewState:     ingestion.StateFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	require.NoError(t, err)

	_, created, err = store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRunStoreIntegration_UpdateRunStateTransitions(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	run, _, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	// An illegal jump is rejected.
	_, err = store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    run.ID,
		NewState: ingestion.StateDone,
	})
	require.ErrorIs(t, err, ingestion.ErrInvalidStateTransition)

	// FAILED without error fields is rejected.
	_, err = store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    run.ID,
		NewState: ingestion.StateFailed,
	})
	require.ErrorIs(t, err, ingestion.ErrInvalidStateTransition)

	// Walk the happy path to DONE, stamping each phase.
	rawURI := "s3://stock-raw-data/AAPL/run.json"
	processedURI := "s3://stock-table/stocks"

	steps := []struct {
		state  ingestion.State
		rawURI *string
		pURI   *string
	}{
		{ingestion.StateFetching, nil, nil},
		{ingestion.StateFetched, &rawURI, nil},
		{ingestion.StateQueuedForTransform, nil, nil},
		{ingestion.StateTransformRunning, nil, nil},
		{ingestion.StateTransformFinished, nil, &processedURI},
		{ingestion.StateDone, nil, nil},
	}

	for _, step := range steps {
		_, err = store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
			RunID:            run.ID,
			NewState:         step.state,
			RawDataURI:       step.rawURI,
			ProcessedDataURI: step.pURI,
		})
		require.NoError(t, err, "transition to %s", step.state)
	}

	final, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, ingestion.StateDone, final.State)
	assert.NotNil(t, final.QueuedForFetchAt)
	assert.NotNil(t, final.FetchingStartedAt)
	assert.NotNil(t, final.FetchingFinishedAt)
	assert.NotNil(t, final.QueuedForTransformAt)
	assert.NotNil(t, final.TransformStartedAt)
	assert.NotNil(t, final.TransformFinishedAt)
	assert.NotNil(t, final.DoneAt)
	assert.Nil(t, final.FailedAt)

	require.NotNil(t, final.RawDataURI)
	assert.Equal(t, rawURI, *final.RawDataURI)
	require.NotNil(t, final.ProcessedDataURI)
	assert.Equal(t, processedURI, *final.ProcessedDataURI)

	// Terminal runs accept no further transitions.
	_, err = store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:    run.ID,
		NewState: ingestion.StateFetching,
	})
	require.ErrorIs(t, err, ingestion.ErrInvalidStateTransition)
}

func TestRunStoreIntegration_FailedInvariant(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	run, _, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	code := "MAX_RETRIES_EXCEEDED"
	message := "Failed after 3 attempts"
	failed, err := store.UpdateRunState(ctx, ingestion.UpdateRunStateParams{
		RunID:        run.ID,
		NewState:     ingestion.StateFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
	})
	require.NoError(t, err)

	require.NotNil(t, failed.ErrorCode)
	require.NotNil(t, failed.ErrorMessage)
	require.NotNil(t, failed.FailedAt)
}

func TestRunStoreIntegration_BulkCountersArithmetic(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	bulkRun, err := store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkBulkRunStarted(ctx, bulkRun.ID))
	require.NoError(t, store.SetBulkRunTotal(ctx, bulkRun.ID, 3))

	require.NoError(t, store.IncrementBulkCounters(ctx, bulkRun.ID, 1, 0, 0))
	require.NoError(t, store.IncrementBulkCounters(ctx, bulkRun.ID, 1, 0, 0))
	require.NoError(t, store.IncrementBulkCounters(ctx, bulkRun.ID, 0, 1, 0))
	// An enqueue failure moves a queued tally to error.
	require.NoError(t, store.IncrementBulkCounters(ctx, bulkRun.ID, -1, 0, 1))

	require.NoError(t, store.MarkBulkRunCompleted(ctx, bulkRun.ID))

	final, err := store.GetBulkRun(ctx, bulkRun.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, final.QueuedCount)
	assert.Equal(t, 1, final.SkippedCount)
	assert.Equal(t, 1, final.ErrorCount)
	assert.Equal(t, 3, final.TotalStocks)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 0, final.PendingCount())
}

func TestRunStoreIntegration_LinkRunToBulkRun(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	run, _, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)

	first, err := store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)
	second, err := store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)

	require.NoError(t, store.LinkRunToBulkRun(ctx, run.ID, first.ID))
	// Already-linked runs keep their original bulk run.
	require.NoError(t, store.LinkRunToBulkRun(ctx, run.ID, second.ID))

	linked, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.BulkRunID)
	assert.Equal(t, first.ID, *linked.BulkRunID)
}

func TestRunStoreIntegration_UpdateStockMetadata(t *testing.T) {
	store, bus := setupRunStore(t)
	ctx := context.Background()

	var published []events.Entity

	bus.Subscribe(func(event events.Changed) {
		published = append(published, event.Entity)
	})

	stock, _, err := store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)

	published = nil // ignore the creation event

	updated, err := store.UpdateStockMetadata(ctx, stock.ID, map[string]string{
		"name":     "Apple Inc.",
		"sector":   "Technology",
		"exchange": "nasdaq",
		"website":  "ignored-unknown-field",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "sector", "exchange"}, updated)

	reloaded, err := store.GetStockByTicker(ctx, "AAPL")
	require.NoError(t, err)

	require.NotNil(t, reloaded.Name)
	assert.Equal(t, "Apple Inc.", *reloaded.Name)
	require.NotNil(t, reloaded.ExchangeName)
	assert.Equal(t, "NASDAQ", *reloaded.ExchangeName)
	require.NotNil(t, reloaded.ExchangeID)

	// Stock and exchange change events fired for the invalidation fabric.
	assert.Contains(t, published, events.EntityStock)
	assert.Contains(t, published, events.EntityExchange)

	// A second stock on the same exchange reuses the row.
	other, _, err := store.GetOrCreateStock(ctx, "MSFT")
	require.NoError(t, err)

	_, err = store.UpdateStockMetadata(ctx, other.ID, map[string]string{"exchange": "NASDAQ"})
	require.NoError(t, err)

	otherReloaded, err := store.GetStockByTicker(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, *reloaded.ExchangeID, *otherReloaded.ExchangeID)
}

func TestRunStoreIntegration_ListQueries(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	for _, ticker := range []string{"AAPL", "MSFT", "GOOG"} {
		_, _, err := store.QueueForFetch(ctx, ticker, nil, nil)
		require.NoError(t, err)
	}

	// Stocks page with exact ticker filter.
	stocks, err := store.ListStocks(ctx, StockFilter{Ticker: "aapl"}, 50, nil)
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "AAPL", stocks[0].Ticker)

	// Contains filter.
	stocks, err = store.ListStocks(ctx, StockFilter{TickerContains: "oo"}, 50, nil)
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, "GOOG", stocks[0].Ticker)

	// Cursor pagination walks all runs without overlap.
	var (
		seen   = make(map[string]bool)
		cursor *Cursor
	)

	for {
		page, err := store.ListRuns(ctx, RunFilter{}, 2, cursor)
		require.NoError(t, err)

		if len(page) == 0 {
			break
		}

		for _, run := range page {
			require.False(t, seen[run.ID.String()], "cursor pages must not overlap")
			seen[run.ID.String()] = true
		}

		last := page[len(page)-1]
		cursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}

		if len(page) < 2 {
			break
		}
	}

	assert.Len(t, seen, 3)

	// Derived boolean filters.
	inProgress := true
	runs, err := store.ListRuns(ctx, RunFilter{IsInProgress: &inProgress}, 50, nil)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	terminal := true
	runs, err = store.ListRuns(ctx, RunFilter{IsTerminal: &terminal}, 50, nil)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunStoreIntegration_BulkRunStats(t *testing.T) {
	store, _ := setupRunStore(t)
	ctx := context.Background()

	bulkRun, err := store.CreateBulkRun(ctx, nil, nil)
	require.NoError(t, err)

	run, _, err := store.QueueForFetch(ctx, "AAPL", nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.LinkRunToBulkRun(ctx, run.ID, bulkRun.ID))

	stats, err := store.GetBulkRunStats(ctx, bulkRun.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.StateCounts[ingestion.StateQueuedForFetch])
}
