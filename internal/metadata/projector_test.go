package metadata

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/table"
)

const testTableBucket = "stock-table"

type projectorFixture struct {
	projector *Projector
	store     *ingestion.MemoryStore
	engine    *table.DeltaTable
}

func newProjectorFixture(t *testing.T) *projectorFixture {
	t.Helper()

	store := ingestion.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	objects := objectstore.NewMemoryStore(testTableBucket)
	engine := table.NewDeltaTable(objects, testTableBucket)

	return &projectorFixture{
		projector: NewProjector(store, engine, logger),
		store:     store,
		engine:    engine,
	}
}

func (f *projectorFixture) mergeMetadata(t *testing.T, ticker string, fields map[string]any) {
	t.Helper()

	record := map[string]any{
		table.ColumnTicker:        ticker,
		table.ColumnRecordType:    table.RecordTypeMetadata,
		table.ColumnPeriodEndDate: nil,
	}

	for field, value := range fields {
		record[field] = value
	}

	frame, err := table.NewFrame([]map[string]any{record})
	require.NoError(t, err)

	_, err = f.engine.Merge(context.Background(), frame)
	require.NoError(t, err)
}

func TestProjector_WritesMetadataOntoStock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newProjectorFixture(t)
	ctx := context.Background()

	_, _, err := fixture.store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)

	fixture.mergeMetadata(t, "AAPL", map[string]any{
		"name":     "Apple Inc.",
		"sector":   "Technology",
		"exchange": "nasdaq",
		"country":  "US",
		"website":  "https://apple.com", // unknown field, ignored
	})

	err = fixture.projector.Handle(ctx, queue.Task{Type: queue.TaskMetadata, Ticker: "aapl"})
	require.NoError(t, err)

	stock, err := fixture.store.GetStockByTicker(ctx, "AAPL")
	require.NoError(t, err)

	require.NotNil(t, stock.Name)
	assert.Equal(t, "Apple Inc.", *stock.Name)
	require.NotNil(t, stock.Sector)
	assert.Equal(t, "Technology", *stock.Sector)
	require.NotNil(t, stock.Country)
	assert.Equal(t, "US", *stock.Country)

	// The exchange is normalized, upserted, and assigned as a foreign key.
	require.NotNil(t, stock.ExchangeName)
	assert.Equal(t, "NASDAQ", *stock.ExchangeName)
	require.NotNil(t, stock.ExchangeID)
	assert.Equal(t, 1, fixture.store.ExchangeCount())
}

func TestProjector_ExchangeUpsertIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newProjectorFixture(t)
	ctx := context.Background()

	for _, ticker := range []string{"AAPL", "MSFT"} {
		_, _, err := fixture.store.GetOrCreateStock(ctx, ticker)
		require.NoError(t, err)

		fixture.mergeMetadata(t, ticker, map[string]any{"exchange": "NASDAQ"})

		require.NoError(t, fixture.projector.Handle(ctx, queue.Task{
			Type:   queue.TaskMetadata,
			Ticker: ticker,
		}))
	}

	// Both stocks share one exchange row.
	assert.Equal(t, 1, fixture.store.ExchangeCount())
}

func TestProjector_NoMetadataSkips(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newProjectorFixture(t)
	ctx := context.Background()

	_, _, err := fixture.store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)

	// Table exists but holds no metadata row for the ticker.
	frame, err := table.NewFrame([]map[string]any{{
		table.ColumnTicker:        "MSFT",
		table.ColumnRecordType:    table.RecordTypeMetadata,
		table.ColumnPeriodEndDate: nil,
		"name":                    "Microsoft",
	}})
	require.NoError(t, err)
	_, err = fixture.engine.Merge(ctx, frame)
	require.NoError(t, err)

	err = fixture.projector.Handle(ctx, queue.Task{Type: queue.TaskMetadata, Ticker: "AAPL"})
	require.NoError(t, err)

	stock, err := fixture.store.GetStockByTicker(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, stock.Name)
}

func TestProjector_StockNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newProjectorFixture(t)

	err := fixture.projector.Handle(context.Background(), queue.Task{
		Type:   queue.TaskMetadata,
		Ticker: "GHOST",
	})
	require.ErrorIs(t, err, ingestion.ErrStockNotFound)
	assert.False(t, ingestion.IsRetryable(err))
}

func TestProjector_MissingTableIsNonRetryable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fixture := newProjectorFixture(t)
	ctx := context.Background()

	_, _, err := fixture.store.GetOrCreateStock(ctx, "AAPL")
	require.NoError(t, err)

	err = fixture.projector.Handle(ctx, queue.Task{Type: queue.TaskMetadata, Ticker: "AAPL"})
	require.ErrorIs(t, err, ingestion.ErrTableRead)
	assert.False(t, ingestion.IsRetryable(err))
}
