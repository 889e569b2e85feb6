// Package metadata implements the metadata projector: it reads a ticker's
// metadata row from the unified table and writes it back onto the Stock
// record.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/queue"
	"github.com/raulstechtips/stock-etl/internal/table"
)

// projectedFields are the metadata columns written back to the Stock
// record. The exchange field is special-cased by the store (normalized
// upsert into the exchanges table plus foreign key assignment).
var projectedFields = []string{
	"name",
	"sector",
	"subindustry",
	"industry",
	"morningstar_sector",
	"morningstar_industry",
	"country",
	"description",
	"exchange",
}

// Projector processes metadata projection tasks.
//
// Lock timeouts on the Stock row surface as retryable so the queue retries
// with backoff; everything else is permanent.
type Projector struct {
	store  ingestion.MetadataStore
	engine table.Engine
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ queue.Handler = (*Projector)(nil)

// NewProjector creates a metadata projector.
func NewProjector(store ingestion.MetadataStore, engine table.Engine, logger *slog.Logger) *Projector {
	return &Projector{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Handle processes one metadata projection task.
func (p *Projector) Handle(ctx context.Context, task queue.Task) error {
	ticker := ingestion.NormalizeTicker(task.Ticker)

	p.logger.Info("Starting metadata projection", slog.String("ticker", ticker))

	stock, err := p.store.GetStockByTicker(ctx, ticker)
	if err != nil {
		return err
	}

	fields, err := p.readMetadataFields(ctx, ticker)
	if err != nil {
		return err
	}

	if len(fields) == 0 {
		p.logger.Info("No metadata found in unified table, skipping",
			slog.String("ticker", ticker),
		)

		return nil
	}

	updated, err := p.store.UpdateStockMetadata(ctx, stock.ID, fields)
	if err != nil {
		return err
	}

	p.logger.Info("Projected metadata onto stock",
		slog.String("ticker", ticker),
		slog.String("stock_id", stock.ID.String()),
		slog.Any("fields", updated),
	)

	return nil
}

// OnRetriesExhausted logs the dropped projection; there is no run to fail.
func (p *Projector) OnRetriesExhausted(_ context.Context, task queue.Task, err error) {
	p.logger.Error("Dropping metadata projection after exhausted retries",
		slog.String("ticker", task.Ticker),
		slog.String("error", err.Error()),
	)
}

// readMetadataFields reads the ticker's metadata row and intersects it with
// the projected field set. Multiple rows should not occur; the first is
// used deterministically with a warning.
func (p *Projector) readMetadataFields(ctx context.Context, ticker string) (map[string]string, error) {
	rows, err := p.engine.ReadWhere(ctx, ticker, table.RecordTypeMetadata)
	if err != nil {
		if errors.Is(err, table.ErrTableNotFound) {
			return nil, fmt.Errorf("%w: %v", ingestion.ErrTableRead, err)
		}

		return nil, fmt.Errorf("%w: %v", ingestion.ErrTableRead, err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	if len(rows) > 1 {
		p.logger.Warn("Multiple metadata rows found, using first",
			slog.String("ticker", ticker),
			slog.Int("count", len(rows)),
		)
	}

	row := rows[0]
	fields := make(map[string]string)

	for _, field := range projectedFields {
		value, ok := row[field].(string)
		if !ok || value == "" {
			continue
		}

		fields[field] = value
	}

	return fields, nil
}
