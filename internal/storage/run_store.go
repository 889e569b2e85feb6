package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/raulstechtips/stock-etl/internal/config"
	"github.com/raulstechtips/stock-etl/internal/events"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

// Postgres error codes and constraint names the store maps to domain errors.
const (
	pqUniqueViolation   = "23505"
	pqLockNotAvailable  = "55P03"
	pqDeadlockDetected  = "40P01"
	activeRunConstraint = "unique_active_run_per_stock"
	tickerConstraint    = "stocks_ticker_key"
)

// metadataColumns maps projected metadata field names to stock columns.
// The exchange field is handled separately (normalized upsert + FK).
var metadataColumns = map[string]string{
	"name":                 "name",
	"sector":               "sector",
	"subindustry":          "subindustry",
	"industry":             "industry",
	"morningstar_sector":   "morningstar_sector",
	"morningstar_industry": "morningstar_industry",
	"country":              "country",
	"description":          "description",
}

// Compile-time interface assertions to ensure RunStore implements the
// domain persistence interfaces. This provides early compile-time errors
// if interface contracts change.
var (
	_ ingestion.Store         = (*RunStore)(nil)
	_ ingestion.BulkStore     = (*RunStore)(nil)
	_ ingestion.MetadataStore = (*RunStore)(nil)
)

type (
	// RunStore implements the ingestion persistence interfaces with a
	// PostgreSQL backend.
	//
	// Concurrency contract:
	//   - All run mutations happen in explicit transactions.
	//   - UpdateRunState locks the run row with SELECT ... FOR UPDATE.
	//   - At-most-one-active-run-per-stock is enforced by the database
	//     (partial unique index), not by application code; the resulting
	//     constraint violation is surfaced as ingestion.ErrDuplicateActiveRun.
	//   - Bulk counters use in-database arithmetic, never read-modify-write.
	RunStore struct {
		conn      *Connection
		logger    *slog.Logger
		publisher events.Publisher
	}

	// RunStoreOption configures optional RunStore behavior.
	RunStoreOption func(*RunStore)
)

// WithPublisher sets the event publisher notified after committed writes on
// cached entities. If not set, no events are published.
func WithPublisher(publisher events.Publisher) RunStoreOption {
	return func(s *RunStore) {
		s.publisher = publisher
	}
}

// NewRunStore creates a PostgreSQL-backed run store.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewRunStore(conn *Connection, opts ...RunStoreOption) (*RunStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &RunStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// publish delivers an entity-changed event when a publisher is configured.
func (s *RunStore) publish(entity events.Entity) {
	if s.publisher != nil {
		s.publisher.Publish(events.Changed{Entity: entity})
	}
}

const stockColumns = `
	s.id, s.ticker, s.name, s.sector, s.subindustry, s.industry,
	s.morningstar_sector, s.morningstar_industry, s.country, s.description,
	s.exchange_id, e.name, s.created_at, s.updated_at`

const stockFromClause = `stocks s LEFT JOIN exchanges e ON e.id = s.exchange_id`

// scanStock scans a stock row in stockColumns order.
func scanStock(row interface{ Scan(...any) error }) (*ingestion.Stock, error) {
	var (
		stock        ingestion.Stock
		name         sql.NullString
		sector       sql.NullString
		subindustry  sql.NullString
		industry     sql.NullString
		msSector     sql.NullString
		msIndustry   sql.NullString
		country      sql.NullString
		description  sql.NullString
		exchangeID   sql.Null[uuid.UUID]
		exchangeName sql.NullString
	)

	err := row.Scan(
		&stock.ID, &stock.Ticker, &name, &sector, &subindustry, &industry,
		&msSector, &msIndustry, &country, &description,
		&exchangeID, &exchangeName, &stock.CreatedAt, &stock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	stock.Name = nullStringPtr(name)
	stock.Sector = nullStringPtr(sector)
	stock.Subindustry = nullStringPtr(subindustry)
	stock.Industry = nullStringPtr(industry)
	stock.MorningstarSector = nullStringPtr(msSector)
	stock.MorningstarIndustry = nullStringPtr(msIndustry)
	stock.Country = nullStringPtr(country)
	stock.Description = nullStringPtr(description)
	stock.ExchangeName = nullStringPtr(exchangeName)

	if exchangeID.Valid {
		id := exchangeID.V
		stock.ExchangeID = &id
	}

	return &stock, nil
}

// GetStockByTicker resolves a stock by its normalized ticker.
func (s *RunStore) GetStockByTicker(ctx context.Context, ticker string) (*ingestion.Stock, error) {
	query := `SELECT ` + stockColumns + ` FROM ` + stockFromClause + ` WHERE s.ticker = $1`

	stock, err := scanStock(s.conn.QueryRowContext(ctx, query, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrStockNotFound, ticker)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load stock %s: %w", ticker, err)
	}

	return stock, nil
}

// GetOrCreateStock upserts a stock by its normalized ticker.
func (s *RunStore) GetOrCreateStock(ctx context.Context, ticker string) (*ingestion.Stock, bool, error) {
	stock, created, err := s.getOrCreateStock(ctx, s.conn.DB, ticker)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.publish(events.EntityStock)
	}

	return stock, created, nil
}

// querier abstracts *sql.DB and *sql.Tx for helpers shared between
// transactional and non-transactional paths.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *RunStore) getOrCreateStock(ctx context.Context, q querier, ticker string) (*ingestion.Stock, bool, error) {
	insert := `
		INSERT INTO stocks (id, ticker)
		VALUES ($1, $2)
		ON CONFLICT (ticker) DO NOTHING
		RETURNING id, ticker, created_at, updated_at`

	var stock ingestion.Stock

	err := q.QueryRowContext(ctx, insert, uuid.New(), ticker).Scan(
		&stock.ID, &stock.Ticker, &stock.CreatedAt, &stock.UpdatedAt,
	)

	switch {
	case err == nil:
		s.logger.Info("Created new stock", slog.String("ticker", ticker))

		return &stock, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Conflict path: the stock already exists.
		query := `SELECT ` + stockColumns + ` FROM ` + stockFromClause + ` WHERE s.ticker = $1`

		existing, scanErr := scanStock(q.QueryRowContext(ctx, query, ticker))
		if scanErr != nil {
			return nil, false, fmt.Errorf("failed to load stock %s after upsert: %w", ticker, scanErr)
		}

		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("failed to upsert stock %s: %w", ticker, err)
	}
}

const runColumns = `
	r.id, r.stock_id, r.bulk_run_id, r.requested_by, r.request_id, r.state,
	r.created_at, r.updated_at,
	r.queued_for_fetch_at, r.fetching_started_at, r.fetching_finished_at,
	r.queued_for_transform_at, r.transform_started_at, r.transform_finished_at,
	r.done_at, r.failed_at,
	r.error_code, r.error_message, r.raw_data_uri, r.processed_data_uri`

const runSelect = `
	SELECT ` + runColumns + `, ` + stockColumns + `
	FROM stock_ingestion_runs r
	JOIN stocks s ON s.id = r.stock_id
	LEFT JOIN exchanges e ON e.id = s.exchange_id`

// scanRun scans a run row (runColumns followed by stockColumns).
func scanRun(row interface{ Scan(...any) error }) (*ingestion.Run, error) {
	var (
		run          ingestion.Run
		stock        ingestion.Stock
		bulkRunID    sql.Null[uuid.UUID]
		requestedBy  sql.NullString
		requestID    sql.NullString
		state        string
		errorCode    sql.NullString
		errorMessage sql.NullString
		rawURI       sql.NullString
		processedURI sql.NullString

		queuedForFetchAt     sql.NullTime
		fetchingStartedAt    sql.NullTime
		fetchingFinishedAt   sql.NullTime
		queuedForTransformAt sql.NullTime
		transformStartedAt   sql.NullTime
		transformFinishedAt  sql.NullTime
		doneAt               sql.NullTime
		failedAt             sql.NullTime

		name         sql.NullString
		sector       sql.NullString
		subindustry  sql.NullString
		industry     sql.NullString
		msSector     sql.NullString
		msIndustry   sql.NullString
		country      sql.NullString
		description  sql.NullString
		exchangeID   sql.Null[uuid.UUID]
		exchangeName sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.StockID, &bulkRunID, &requestedBy, &requestID, &state,
		&run.CreatedAt, &run.UpdatedAt,
		&queuedForFetchAt, &fetchingStartedAt, &fetchingFinishedAt,
		&queuedForTransformAt, &transformStartedAt, &transformFinishedAt,
		&doneAt, &failedAt,
		&errorCode, &errorMessage, &rawURI, &processedURI,
		&stock.ID, &stock.Ticker, &name, &sector, &subindustry, &industry,
		&msSector, &msIndustry, &country, &description,
		&exchangeID, &exchangeName, &stock.CreatedAt, &stock.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.State = ingestion.State(state)
	run.RequestedBy = nullStringPtr(requestedBy)
	run.RequestID = nullStringPtr(requestID)
	run.ErrorCode = nullStringPtr(errorCode)
	run.ErrorMessage = nullStringPtr(errorMessage)
	run.RawDataURI = nullStringPtr(rawURI)
	run.ProcessedDataURI = nullStringPtr(processedURI)

	run.QueuedForFetchAt = nullTimePtr(queuedForFetchAt)
	run.FetchingStartedAt = nullTimePtr(fetchingStartedAt)
	run.FetchingFinishedAt = nullTimePtr(fetchingFinishedAt)
	run.QueuedForTransformAt = nullTimePtr(queuedForTransformAt)
	run.TransformStartedAt = nullTimePtr(transformStartedAt)
	run.TransformFinishedAt = nullTimePtr(transformFinishedAt)
	run.DoneAt = nullTimePtr(doneAt)
	run.FailedAt = nullTimePtr(failedAt)

	if bulkRunID.Valid {
		id := bulkRunID.V
		run.BulkRunID = &id
	}

	stock.Name = nullStringPtr(name)
	stock.Sector = nullStringPtr(sector)
	stock.Subindustry = nullStringPtr(subindustry)
	stock.Industry = nullStringPtr(industry)
	stock.MorningstarSector = nullStringPtr(msSector)
	stock.MorningstarIndustry = nullStringPtr(msIndustry)
	stock.Country = nullStringPtr(country)
	stock.Description = nullStringPtr(description)
	stock.ExchangeName = nullStringPtr(exchangeName)

	if exchangeID.Valid {
		id := exchangeID.V
		stock.ExchangeID = &id
	}

	run.Stock = &stock

	return &run, nil
}

// GetRun loads a run by id with its stock loaded eagerly.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (*ingestion.Run, error) {
	query := runSelect + ` WHERE r.id = $1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, runID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	return run, nil
}

// LatestRunForStock returns the stock's most recent run or (nil, nil).
func (s *RunStore) LatestRunForStock(ctx context.Context, stockID uuid.UUID) (*ingestion.Run, error) {
	query := runSelect + ` WHERE r.stock_id = $1 ORDER BY r.created_at DESC LIMIT 1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, stockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load latest run for stock %s: %w", stockID, err)
	}

	return run, nil
}

// LatestDoneRun returns the stock's most recent DONE run or (nil, nil).
func (s *RunStore) LatestDoneRun(ctx context.Context, stockID uuid.UUID) (*ingestion.Run, error) {
	query := runSelect + ` WHERE r.stock_id = $1 AND r.state = $2 ORDER BY r.created_at DESC LIMIT 1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, stockID, string(ingestion.StateDone)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load latest done run for stock %s: %w", stockID, err)
	}

	return run, nil
}

// ActiveRuns returns all runs in non-terminal states.
func (s *RunStore) ActiveRuns(ctx context.Context) ([]*ingestion.Run, error) {
	query := runSelect + ` WHERE r.state NOT IN ($1, $2) ORDER BY r.created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, string(ingestion.StateDone), string(ingestion.StateFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query active runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []*ingestion.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active runs: %w", err)
	}

	return runs, nil
}

// QueueForFetch atomically upserts the stock and creates (or returns) the
// run driving its ingestion.
//
// The whole operation runs in one transaction. When the latest run is still
// in progress it is returned unchanged (created=false): the idempotent fast
// path. Otherwise a new run in QUEUED_FOR_FETCH is inserted; a concurrent
// winner trips the partial unique index and surfaces as
// ingestion.ErrDuplicateActiveRun.
func (s *RunStore) QueueForFetch(
	ctx context.Context,
	ticker string,
	requestedBy, requestID *string,
) (*ingestion.Run, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stock, stockCreated, err := s.getOrCreateStock(ctx, tx, ticker)
	if err != nil {
		return nil, false, err
	}

	latestQuery := runSelect + ` WHERE r.stock_id = $1 ORDER BY r.created_at DESC LIMIT 1`

	latest, err := scanRun(tx.QueryRowContext(ctx, latestQuery, stock.ID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to load latest run for %s: %w", ticker, err)
	}

	if latest != nil && latest.IsInProgress() {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}

		if stockCreated {
			s.publish(events.EntityStock)
		}

		return latest, false, nil
	}

	runID := uuid.New()
	insert := `
		INSERT INTO stock_ingestion_runs
			(id, stock_id, requested_by, request_id, state, queued_for_fetch_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`

	_, err = tx.ExecContext(ctx, insert,
		runID, stock.ID, nullString(requestedBy), nullString(requestID),
		string(ingestion.StateQueuedForFetch),
	)
	if err != nil {
		if isConstraintViolation(err, activeRunConstraint) {
			return nil, false, fmt.Errorf("%w: %s", ingestion.ErrDuplicateActiveRun, ticker)
		}

		return nil, false, fmt.Errorf("failed to create run for %s: %w", ticker, err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, runSelect+` WHERE r.id = $1`, runID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load created run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if stockCreated {
		s.publish(events.EntityStock)
	}

	return run, true, nil
}

// UpdateRunState performs a validated state transition under a row lock.
//
// The run row is locked with SELECT ... FOR UPDATE, the transition is
// validated against the state machine, the phase timestamp is stamped with
// COALESCE so the first entry wins on retries, and the FAILED error-field
// invariant is enforced before anything is written.
func (s *RunStore) UpdateRunState(
	ctx context.Context,
	params ingestion.UpdateRunStateParams,
) (*ingestion.Run, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// Lock the row for update
	var currentState string

	lockQuery := `SELECT state FROM stock_ingestion_runs WHERE id = $1 FOR UPDATE`

	err = tx.QueryRowContext(ctx, lockQuery, params.RunID).Scan(&currentState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrRunNotFound, params.RunID)
	}

	if err != nil {
		if isLockFailure(err) {
			return nil, fmt.Errorf("%w: run %s: %v", ingestion.ErrDatabaseLockTimeout, params.RunID, err)
		}

		return nil, fmt.Errorf("failed to lock run %s: %w", params.RunID, err)
	}

	if err := ingestion.ValidateTransition(ingestion.State(currentState), params.NewState); err != nil {
		s.logger.Warn("Invalid state transition",
			slog.String("run_id", params.RunID.String()),
			slog.String("from", currentState),
			slog.String("to", params.NewState.String()),
		)

		return nil, err
	}

	if params.NewState == ingestion.StateFailed {
		if params.ErrorCode == nil || *params.ErrorCode == "" ||
			params.ErrorMessage == nil || *params.ErrorMessage == "" {
			return nil, fmt.Errorf("%w: %w", ingestion.ErrInvalidStateTransition, ingestion.ErrMissingErrorFields)
		}
	}

	timestampColumn, err := params.NewState.TimestampColumn()
	if err != nil {
		return nil, err
	}

	// The timestamp column name comes from the closed state map, never from
	// user input. COALESCE keeps the earlier stamp on idempotent re-entry.
	update := fmt.Sprintf(`
		UPDATE stock_ingestion_runs
		SET state = $2,
			%[1]s = COALESCE(%[1]s, NOW()),
			error_code = COALESCE($3, error_code),
			error_message = COALESCE($4, error_message),
			raw_data_uri = COALESCE($5, raw_data_uri),
			processed_data_uri = COALESCE($6, processed_data_uri),
			updated_at = NOW()
		WHERE id = $1`, timestampColumn)

	_, err = tx.ExecContext(ctx, update,
		params.RunID, string(params.NewState),
		nullString(params.ErrorCode), nullString(params.ErrorMessage),
		nullString(params.RawDataURI), nullString(params.ProcessedDataURI),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run %s: %w", params.RunID, err)
	}

	run, err := scanRun(tx.QueryRowContext(ctx, runSelect+` WHERE r.id = $1`, params.RunID))
	if err != nil {
		return nil, fmt.Errorf("failed to reload run %s: %w", params.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("Updated run state",
		slog.String("run_id", params.RunID.String()),
		slog.String("from", currentState),
		slog.String("to", params.NewState.String()),
	)

	return run, nil
}

// LinkRunToBulkRun sets the run's bulk-run foreign key if not already set.
func (s *RunStore) LinkRunToBulkRun(ctx context.Context, runID, bulkRunID uuid.UUID) error {
	query := `
		UPDATE stock_ingestion_runs
		SET bulk_run_id = $2, updated_at = NOW()
		WHERE id = $1 AND bulk_run_id IS NULL`

	if _, err := s.conn.ExecContext(ctx, query, runID, bulkRunID); err != nil {
		return fmt.Errorf("failed to link run %s to bulk run %s: %w", runID, bulkRunID, err)
	}

	return nil
}

// UpdateStockMetadata writes projected metadata fields onto the stock under
// a row lock.
//
// The lock is taken with FOR UPDATE NOWAIT: a held lock surfaces
// immediately as ingestion.ErrDatabaseLockTimeout so the queue can retry
// with backoff instead of stalling a worker. The exchange field is
// normalized, upserted into the exchanges table, and assigned as the
// stock's foreign key.
func (s *RunStore) UpdateStockMetadata(
	ctx context.Context,
	stockID uuid.UUID,
	fields map[string]string,
) ([]string, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var ticker string

	lockQuery := `SELECT ticker FROM stocks WHERE id = $1 FOR UPDATE NOWAIT`

	err = tx.QueryRowContext(ctx, lockQuery, stockID).Scan(&ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrStockNotFound, stockID)
	}

	if err != nil {
		if isLockFailure(err) {
			return nil, fmt.Errorf("%w: stock %s: %v", ingestion.ErrDatabaseLockTimeout, stockID, err)
		}

		return nil, fmt.Errorf("failed to lock stock %s: %w", stockID, err)
	}

	var (
		fieldsUpdated []string
		setClauses    []string
		args          []any

		exchangeTouched bool
	)

	args = append(args, stockID)

	for field, value := range fields {
		if field == "exchange" && value != "" {
			exchangeID, upsertErr := s.upsertExchange(ctx, tx, ingestion.NormalizeExchangeName(value))
			if upsertErr != nil {
				return nil, upsertErr
			}

			args = append(args, exchangeID)
			setClauses = append(setClauses, fmt.Sprintf("exchange_id = $%d", len(args)))
			fieldsUpdated = append(fieldsUpdated, field)
			exchangeTouched = true

			continue
		}

		column, known := metadataColumns[field]
		if !known {
			s.logger.Warn("Unknown metadata field, skipping",
				slog.String("field", field),
				slog.String("stock_id", stockID.String()),
			)

			continue
		}

		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
		fieldsUpdated = append(fieldsUpdated, field)
	}

	if len(setClauses) == 0 {
		s.logger.Info("No metadata fields to update", slog.String("stock_id", stockID.String()))

		return nil, tx.Commit()
	}

	update := `UPDATE stocks SET ` + joinClauses(setClauses) + `, updated_at = NOW() WHERE id = $1`

	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("failed to update stock %s metadata: %w", stockID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.publish(events.EntityStock)

	if exchangeTouched {
		s.publish(events.EntityExchange)
	}

	s.logger.Info("Updated stock metadata",
		slog.String("stock_id", stockID.String()),
		slog.String("ticker", ticker),
		slog.Any("fields", fieldsUpdated),
	)

	return fieldsUpdated, nil
}

// upsertExchange inserts or refreshes an exchange by normalized name and
// returns its id.
func (s *RunStore) upsertExchange(ctx context.Context, tx *sql.Tx, name string) (uuid.UUID, error) {
	query := `
		INSERT INTO exchanges (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
		RETURNING id`

	var id uuid.UUID

	if err := tx.QueryRowContext(ctx, query, uuid.New(), name).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert exchange %s: %w", name, err)
	}

	return id, nil
}

// isConstraintViolation reports whether the error is a unique violation on
// the named constraint.
func isConstraintViolation(err error, constraint string) bool {
	var pqErr *pq.Error

	if !errors.As(err, &pqErr) {
		return false
	}

	return string(pqErr.Code) == pqUniqueViolation && pqErr.Constraint == constraint
}

// isLockFailure reports whether the error is a lock-acquisition failure
// (NOWAIT miss, lock timeout, or deadlock victim).
func isLockFailure(err error) bool {
	var pqErr *pq.Error

	if !errors.As(err, &pqErr) {
		return false
	}

	return string(pqErr.Code) == pqLockNotAvailable || string(pqErr.Code) == pqDeadlockDetected
}

// joinClauses joins SET clauses with commas.
func joinClauses(clauses []string) string {
	out := ""

	for i, clause := range clauses {
		if i > 0 {
			out += ", "
		}

		out += clause
	}

	return out
}

// nullString converts a *string to a driver-friendly value.
func nullString(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}

// nullStringPtr converts a sql.NullString to a *string.
func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}

	value := ns.String

	return &value
}

// nullTimePtr converts a sql.NullTime to a *time.Time.
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}

	value := nt.Time

	return &value
}
