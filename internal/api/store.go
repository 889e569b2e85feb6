package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/storage"
)

// Store is the query-side persistence surface the HTTP handlers depend on.
//
// The PostgreSQL run store implements it; handler tests swap in fakes.
type Store interface {
	// GetStockByTicker resolves a stock by normalized ticker.
	GetStockByTicker(ctx context.Context, ticker string) (*ingestion.Stock, error)

	// GetRun loads a run by id with its stock loaded eagerly.
	GetRun(ctx context.Context, runID uuid.UUID) (*ingestion.Run, error)

	// LatestDoneRun returns the stock's most recent DONE run or (nil, nil).
	LatestDoneRun(ctx context.Context, stockID uuid.UUID) (*ingestion.Run, error)

	// ListStocks returns a page of stocks ordered by -created_at.
	ListStocks(ctx context.Context, filter storage.StockFilter, limit int, cursor *storage.Cursor) ([]*ingestion.Stock, error)

	// ListRuns returns a page of runs ordered by -created_at.
	ListRuns(ctx context.Context, filter storage.RunFilter, limit int, cursor *storage.Cursor) ([]*ingestion.Run, error)

	// ListBulkRuns returns a page of bulk runs ordered by -created_at.
	ListBulkRuns(ctx context.Context, limit int, cursor *storage.Cursor) ([]*ingestion.BulkQueueRun, error)

	// CreateBulkRun creates a bulk queue run record.
	CreateBulkRun(ctx context.Context, requestedBy, exchangeFilter *string) (*ingestion.BulkQueueRun, error)

	// GetBulkRunStats loads a bulk run with per-state counts of its runs.
	GetBulkRunStats(ctx context.Context, bulkRunID uuid.UUID) (*storage.BulkRunStats, error)

	// HealthCheck verifies the storage backend is ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// Compile-time interface assertion: the run store satisfies the query surface.
var _ Store = (*storage.RunStore)(nil)
