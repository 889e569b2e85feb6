package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

type (
	// Cursor is a keyset-pagination position: the created_at and id of the
	// last row of the previous page. Lists are ordered by -created_at with
	// id as tiebreaker, so the next page is everything strictly before the
	// cursor position.
	Cursor struct {
		CreatedAt time.Time
		ID        uuid.UUID
	}

	// StockFilter holds the supported stock list filters. Zero values mean
	// "no filter". Exact lookups are case-insensitive by normalization;
	// contains lookups use ILIKE.
	StockFilter struct {
		Ticker         string
		TickerContains string
		Sector         string
		SectorContains string
		Exchange       string
		Country        string
	}

	// RunFilter holds the supported run list filters.
	RunFilter struct {
		Ticker              string
		TickerContains      string
		State               ingestion.State
		RequestedBy         string
		RequestedByContains string
		CreatedAfter        *time.Time
		CreatedBefore       *time.Time
		IsTerminal          *bool
		IsInProgress        *bool
	}
)

// queryBuilder accumulates WHERE clauses with positional args.
type queryBuilder struct {
	clauses []string
	args    []any
}

// add appends a clause, rewriting ?-placeholders into the next positional
// parameters.
func (b *queryBuilder) add(condition string, values ...any) {
	next := len(b.args)
	b.args = append(b.args, values...)

	rewritten := ""

	for _, r := range condition {
		if r == '?' {
			next++
			rewritten += fmt.Sprintf("$%d", next)

			continue
		}

		rewritten += string(r)
	}

	b.clauses = append(b.clauses, rewritten)
}

func (b *queryBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}

	out := " WHERE " + b.clauses[0]
	for _, clause := range b.clauses[1:] {
		out += " AND " + clause
	}

	return out
}

// ListStocks returns a page of stocks ordered by -created_at.
func (s *RunStore) ListStocks(
	ctx context.Context,
	filter StockFilter,
	limit int,
	cursor *Cursor,
) ([]*ingestion.Stock, error) {
	builder := &queryBuilder{}

	if filter.Ticker != "" {
		builder.add("s.ticker = ?", ingestion.NormalizeTicker(filter.Ticker))
	}

	if filter.TickerContains != "" {
		builder.add("s.ticker ILIKE ?", "%"+filter.TickerContains+"%")
	}

	if filter.Sector != "" {
		builder.add("LOWER(s.sector) = LOWER(?)", filter.Sector)
	}

	if filter.SectorContains != "" {
		builder.add("s.sector ILIKE ?", "%"+filter.SectorContains+"%")
	}

	if filter.Exchange != "" {
		builder.add("e.name = ?", ingestion.NormalizeExchangeName(filter.Exchange))
	}

	if filter.Country != "" {
		builder.add("LOWER(s.country) = LOWER(?)", filter.Country)
	}

	if cursor != nil {
		builder.add("(s.created_at, s.id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	builder.args = append(builder.args, limit)
	query := fmt.Sprintf(
		`SELECT %s FROM %s%s ORDER BY s.created_at DESC, s.id DESC LIMIT $%d`,
		stockColumns, stockFromClause, builder.where(), len(builder.args),
	)

	rows, err := s.conn.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stocks: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var stocks []*ingestion.Stock

	for rows.Next() {
		stock, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}

		stocks = append(stocks, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stocks: %w", err)
	}

	return stocks, nil
}

// ListRuns returns a page of ingestion runs ordered by -created_at, with
// their stocks loaded eagerly.
func (s *RunStore) ListRuns(
	ctx context.Context,
	filter RunFilter,
	limit int,
	cursor *Cursor,
) ([]*ingestion.Run, error) {
	builder := &queryBuilder{}

	if filter.Ticker != "" {
		builder.add("s.ticker = ?", ingestion.NormalizeTicker(filter.Ticker))
	}

	if filter.TickerContains != "" {
		builder.add("s.ticker ILIKE ?", "%"+filter.TickerContains+"%")
	}

	if filter.State != "" {
		builder.add("r.state = ?", string(filter.State))
	}

	if filter.RequestedBy != "" {
		builder.add("LOWER(r.requested_by) = LOWER(?)", filter.RequestedBy)
	}

	if filter.RequestedByContains != "" {
		builder.add("r.requested_by ILIKE ?", "%"+filter.RequestedByContains+"%")
	}

	if filter.CreatedAfter != nil {
		builder.add("r.created_at >= ?", *filter.CreatedAfter)
	}

	if filter.CreatedBefore != nil {
		builder.add("r.created_at <= ?", *filter.CreatedBefore)
	}

	if filter.IsTerminal != nil {
		if *filter.IsTerminal {
			builder.add("r.state IN (?, ?)", string(ingestion.StateDone), string(ingestion.StateFailed))
		} else {
			builder.add("r.state NOT IN (?, ?)", string(ingestion.StateDone), string(ingestion.StateFailed))
		}
	}

	if filter.IsInProgress != nil {
		if *filter.IsInProgress {
			builder.add("r.state NOT IN (?, ?)", string(ingestion.StateDone), string(ingestion.StateFailed))
		} else {
			builder.add("r.state IN (?, ?)", string(ingestion.StateDone), string(ingestion.StateFailed))
		}
	}

	if cursor != nil {
		builder.add("(r.created_at, r.id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	builder.args = append(builder.args, limit)
	query := fmt.Sprintf(
		`%s%s ORDER BY r.created_at DESC, r.id DESC LIMIT $%d`,
		runSelect, builder.where(), len(builder.args),
	)

	rows, err := s.conn.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var runs []*ingestion.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListBulkRuns returns a page of bulk queue runs ordered by -created_at.
func (s *RunStore) ListBulkRuns(
	ctx context.Context,
	limit int,
	cursor *Cursor,
) ([]*ingestion.BulkQueueRun, error) {
	builder := &queryBuilder{}

	if cursor != nil {
		builder.add("(b.created_at, b.id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}

	builder.args = append(builder.args, limit)
	query := fmt.Sprintf(
		`SELECT %s FROM bulk_queue_runs b%s ORDER BY b.created_at DESC, b.id DESC LIMIT $%d`,
		bulkRunColumns, builder.where(), len(builder.args),
	)

	rows, err := s.conn.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var bulkRuns []*ingestion.BulkQueueRun

	for rows.Next() {
		bulkRun, err := scanBulkRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulk run: %w", err)
		}

		bulkRuns = append(bulkRuns, bulkRun)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bulk runs: %w", err)
	}

	return bulkRuns, nil
}
