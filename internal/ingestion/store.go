package ingestion

import (
	"context"

	"github.com/google/uuid"
)

// UpdateRunStateParams carries the inputs of a state transition.
//
// ErrorCode and ErrorMessage are required when NewState is FAILED. The URI
// fields overwrite the stored values only when non-nil.
type UpdateRunStateParams struct {
	RunID            uuid.UUID
	NewState         State
	ErrorCode        *string
	ErrorMessage     *string
	RawDataURI       *string
	ProcessedDataURI *string
}

// Store defines what the ingestion domain needs for run persistence.
//
// The domain package defines this interface to specify what it needs,
// without depending on a concrete implementation; the PostgreSQL
// implementation lives in internal/storage, and tests swap in in-memory
// fakes. Implementations must guarantee:
//
//   - QueueForFetch runs in a single transaction: stock upsert, latest-run
//     read, and run creation are atomic. A concurrent winner surfaces as
//     ErrDuplicateActiveRun (the partial unique constraint fired).
//   - UpdateRunState acquires a row lock (SELECT ... FOR UPDATE) on the
//     run, validates the transition against the state machine, stamps the
//     phase timestamp (first entry wins), and enforces the FAILED error
//     field invariant.
//   - At most one active run per stock, enforced by the database, not by
//     application code.
type Store interface {
	// GetOrCreateStock upserts a stock by normalized ticker.
	// Returns the stock and whether it was created.
	GetOrCreateStock(ctx context.Context, ticker string) (*Stock, bool, error)

	// GetStockByTicker resolves a stock by normalized ticker.
	// Returns ErrStockNotFound when no such stock exists.
	GetStockByTicker(ctx context.Context, ticker string) (*Stock, error)

	// GetRun loads a run by id with its stock loaded eagerly.
	// Returns ErrRunNotFound when no such run exists.
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)

	// LatestRunForStock returns the stock's most recent run by created_at,
	// or (nil, nil) when the stock has no runs.
	LatestRunForStock(ctx context.Context, stockID uuid.UUID) (*Run, error)

	// LatestDoneRun returns the stock's most recent DONE run,
	// or (nil, nil) when none exists.
	LatestDoneRun(ctx context.Context, stockID uuid.UUID) (*Run, error)

	// ActiveRuns returns all runs in non-terminal states.
	ActiveRuns(ctx context.Context) ([]*Run, error)

	// QueueForFetch atomically upserts the stock, returns the existing run
	// when an active one exists (created=false), or creates a new run in
	// QUEUED_FOR_FETCH (created=true). Returns ErrDuplicateActiveRun when a
	// concurrent request won the race.
	QueueForFetch(ctx context.Context, ticker string, requestedBy, requestID *string) (*Run, bool, error)

	// UpdateRunState performs a validated, row-locked state transition.
	// Returns ErrRunNotFound, ErrInvalidStateTransition, or
	// ErrMissingErrorFields on contract violations.
	UpdateRunState(ctx context.Context, params UpdateRunStateParams) (*Run, error)

	// LinkRunToBulkRun sets the run's bulk-run foreign key if not already set.
	LinkRunToBulkRun(ctx context.Context, runID, bulkRunID uuid.UUID) error

	// HealthCheck verifies the storage backend is ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// BulkStore defines the persistence surface of the bulk orchestrator.
//
// Counter updates must use in-database arithmetic (UPDATE ... SET c = c + 1)
// rather than read-modify-write, so the counters stay correct under retries
// and parallel workers.
type BulkStore interface {
	// CreateBulkRun creates a bulk queue run record.
	CreateBulkRun(ctx context.Context, requestedBy, exchangeFilter *string) (*BulkQueueRun, error)

	// GetBulkRun loads a bulk run by id.
	// Returns ErrBulkRunNotFound when no such run exists.
	GetBulkRun(ctx context.Context, bulkRunID uuid.UUID) (*BulkQueueRun, error)

	// MarkBulkRunStarted stamps started_at.
	MarkBulkRunStarted(ctx context.Context, bulkRunID uuid.UUID) error

	// SetBulkRunTotal records the number of candidate tickers.
	SetBulkRunTotal(ctx context.Context, bulkRunID uuid.UUID, total int) error

	// IncrementBulkCounters applies the given deltas atomically in the database.
	IncrementBulkCounters(ctx context.Context, bulkRunID uuid.UUID, queued, skipped, errored int) error

	// MarkBulkRunCompleted stamps completed_at.
	MarkBulkRunCompleted(ctx context.Context, bulkRunID uuid.UUID) error

	// ListTickers returns all stock tickers in stable alphabetical order,
	// optionally filtered by normalized exchange name.
	ListTickers(ctx context.Context, exchangeFilter string) ([]string, error)
}

// MetadataStore defines the persistence surface of the metadata projector.
type MetadataStore interface {
	// GetStockByTicker resolves a stock by normalized ticker.
	GetStockByTicker(ctx context.Context, ticker string) (*Stock, error)

	// UpdateStockMetadata writes descriptive fields onto the stock under a
	// row lock. The exchange field is special-cased: the value is
	// normalized, upserted into the exchanges table, and assigned as the
	// stock's foreign key. Returns the names of the fields written.
	// Returns ErrDatabaseLockTimeout when the row lock cannot be acquired.
	UpdateStockMetadata(ctx context.Context, stockID uuid.UUID, fields map[string]string) ([]string, error)
}
