package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

const bulkRunColumns = `
	b.id, b.requested_by, b.exchange_filter, b.total_stocks,
	b.queued_count, b.skipped_count, b.error_count,
	b.created_at, b.started_at, b.completed_at`

// scanBulkRun scans a bulk run row in bulkRunColumns order.
func scanBulkRun(row interface{ Scan(...any) error }) (*ingestion.BulkQueueRun, error) {
	var (
		bulkRun        ingestion.BulkQueueRun
		requestedBy    sql.NullString
		exchangeFilter sql.NullString
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&bulkRun.ID, &requestedBy, &exchangeFilter, &bulkRun.TotalStocks,
		&bulkRun.QueuedCount, &bulkRun.SkippedCount, &bulkRun.ErrorCount,
		&bulkRun.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	bulkRun.RequestedBy = nullStringPtr(requestedBy)
	bulkRun.ExchangeFilter = nullStringPtr(exchangeFilter)
	bulkRun.StartedAt = nullTimePtr(startedAt)
	bulkRun.CompletedAt = nullTimePtr(completedAt)

	return &bulkRun, nil
}

// CreateBulkRun creates a bulk queue run record.
func (s *RunStore) CreateBulkRun(
	ctx context.Context,
	requestedBy, exchangeFilter *string,
) (*ingestion.BulkQueueRun, error) {
	query := `
		INSERT INTO bulk_queue_runs (id, requested_by, exchange_filter)
		VALUES ($1, $2, $3)
		RETURNING ` + bulkRunSelfColumns()

	bulkRun, err := scanBulkRun(s.conn.QueryRowContext(ctx, query,
		uuid.New(), nullString(requestedBy), nullString(exchangeFilter)))
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk run: %w", err)
	}

	s.logger.Info("Created bulk queue run", slog.String("bulk_run_id", bulkRun.ID.String()))

	return bulkRun, nil
}

// GetBulkRun loads a bulk run by id.
func (s *RunStore) GetBulkRun(ctx context.Context, bulkRunID uuid.UUID) (*ingestion.BulkQueueRun, error) {
	query := `SELECT ` + bulkRunColumns + ` FROM bulk_queue_runs b WHERE b.id = $1`

	bulkRun, err := scanBulkRun(s.conn.QueryRowContext(ctx, query, bulkRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ingestion.ErrBulkRunNotFound, bulkRunID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load bulk run %s: %w", bulkRunID, err)
	}

	return bulkRun, nil
}

// MarkBulkRunStarted stamps started_at.
func (s *RunStore) MarkBulkRunStarted(ctx context.Context, bulkRunID uuid.UUID) error {
	query := `UPDATE bulk_queue_runs SET started_at = NOW() WHERE id = $1`

	return s.execBulkRunUpdate(ctx, query, bulkRunID)
}

// SetBulkRunTotal records the number of candidate tickers.
func (s *RunStore) SetBulkRunTotal(ctx context.Context, bulkRunID uuid.UUID, total int) error {
	query := `UPDATE bulk_queue_runs SET total_stocks = $2 WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, bulkRunID, total)
	if err != nil {
		return fmt.Errorf("failed to set bulk run %s total: %w", bulkRunID, err)
	}

	return checkBulkRunAffected(result, bulkRunID)
}

// IncrementBulkCounters applies counter deltas with in-database arithmetic.
//
// Deltas are applied in a single UPDATE (c = c + delta) so the counters
// remain correct under retries and parallel workers; the caller never
// reads, modifies, and writes a counter value.
func (s *RunStore) IncrementBulkCounters(
	ctx context.Context,
	bulkRunID uuid.UUID,
	queued, skipped, errored int,
) error {
	query := `
		UPDATE bulk_queue_runs
		SET queued_count = queued_count + $2,
			skipped_count = skipped_count + $3,
			error_count = error_count + $4
		WHERE id = $1`

	result, err := s.conn.ExecContext(ctx, query, bulkRunID, queued, skipped, errored)
	if err != nil {
		return fmt.Errorf("failed to update bulk run %s counters: %w", bulkRunID, err)
	}

	return checkBulkRunAffected(result, bulkRunID)
}

// MarkBulkRunCompleted stamps completed_at.
func (s *RunStore) MarkBulkRunCompleted(ctx context.Context, bulkRunID uuid.UUID) error {
	query := `UPDATE bulk_queue_runs SET completed_at = NOW() WHERE id = $1`

	return s.execBulkRunUpdate(ctx, query, bulkRunID)
}

// ListTickers returns all stock tickers in stable alphabetical order,
// optionally filtered by normalized exchange name.
func (s *RunStore) ListTickers(ctx context.Context, exchangeFilter string) ([]string, error) {
	query := `SELECT s.ticker FROM stocks s ORDER BY s.ticker`
	args := []any{}

	if exchangeFilter != "" {
		query = `
			SELECT s.ticker FROM stocks s
			JOIN exchanges e ON e.id = s.exchange_id
			WHERE e.name = $1
			ORDER BY s.ticker`
		args = append(args, ingestion.NormalizeExchangeName(exchangeFilter))
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var tickers []string

	for rows.Next() {
		var ticker string

		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}

		tickers = append(tickers, ticker)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickers: %w", err)
	}

	return tickers, nil
}

// BulkRunStats aggregates a bulk run with per-state counts of its linked runs.
type BulkRunStats struct {
	BulkRun     *ingestion.BulkQueueRun
	StateCounts map[ingestion.State]int
}

// GetBulkRunStats loads a bulk run together with per-state counts of its
// linked ingestion runs.
func (s *RunStore) GetBulkRunStats(ctx context.Context, bulkRunID uuid.UUID) (*BulkRunStats, error) {
	bulkRun, err := s.GetBulkRun(ctx, bulkRunID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT state, COUNT(*)
		FROM stock_ingestion_runs
		WHERE bulk_run_id = $1
		GROUP BY state`

	rows, err := s.conn.QueryContext(ctx, query, bulkRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bulk run %s state counts: %w", bulkRunID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[ingestion.State]int)

	for rows.Next() {
		var (
			state string
			count int
		)

		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}

		counts[ingestion.State(state)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state counts: %w", err)
	}

	return &BulkRunStats{BulkRun: bulkRun, StateCounts: counts}, nil
}

// execBulkRunUpdate runs a single-row bulk run update and verifies the row exists.
func (s *RunStore) execBulkRunUpdate(ctx context.Context, query string, bulkRunID uuid.UUID) error {
	result, err := s.conn.ExecContext(ctx, query, bulkRunID)
	if err != nil {
		return fmt.Errorf("failed to update bulk run %s: %w", bulkRunID, err)
	}

	return checkBulkRunAffected(result, bulkRunID)
}

func checkBulkRunAffected(result sql.Result, bulkRunID uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ingestion.ErrBulkRunNotFound, bulkRunID)
	}

	return nil
}

// bulkRunSelfColumns is bulkRunColumns without the table alias, for
// RETURNING clauses.
func bulkRunSelfColumns() string {
	return `id, requested_by, exchange_filter, total_stocks,
	queued_count, skipped_count, error_count,
	created_at, started_at, completed_at`
}
