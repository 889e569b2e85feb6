package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raulstechtips/stock-etl/internal/events"
)

// View ids of the cached list endpoints.
const (
	ViewTickerList   = "ticker-list"
	ViewExchangeList = "exchange-list"
	ViewSectorList   = "sector-list"
)

// evictTimeout bounds a single invalidation pass; eviction runs off the
// write path's critical section and must never hang it.
const evictTimeout = 5 * time.Second

// invalidationCatalogue maps a mutated entity to the views whose cached
// pages become stale.
var invalidationCatalogue = map[events.Entity][]string{
	events.EntityStock:    {ViewTickerList},
	events.EntityExchange: {ViewExchangeList, ViewTickerList},
	events.EntitySector:   {ViewSectorList, ViewTickerList},
}

// Invalidator evicts cached list responses when entities change.
//
// It subscribes to the entity-changed event bus and pattern-deletes every
// page and header key of the affected views. Backends without pattern scan
// get a warning and a no-op.
type Invalidator struct {
	scanner Scanner
	logger  *slog.Logger
}

// NewInvalidator creates an invalidator over a cache backend. The backend
// may be nil or lack the Scanner capability; invalidation then degrades to
// a logged no-op.
func NewInvalidator(backend Store, logger *slog.Logger) *Invalidator {
	scanner, _ := backend.(Scanner)

	return &Invalidator{scanner: scanner, logger: logger}
}

// Register subscribes the invalidator to the event bus.
func (i *Invalidator) Register(bus *events.Bus) {
	bus.Subscribe(func(event events.Changed) {
		i.OnChanged(event)
	})
}

// OnChanged evicts the views affected by an entity change.
func (i *Invalidator) OnChanged(event events.Changed) {
	views, ok := invalidationCatalogue[event.Entity]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	for _, view := range views {
		i.InvalidateView(ctx, view)
	}
}

// InvalidateView evicts every cached page and header of one view.
func (i *Invalidator) InvalidateView(ctx context.Context, viewID string) {
	if i.scanner == nil {
		i.logger.Warn("Cache backend does not support pattern-based invalidation",
			slog.String("view", viewID),
		)

		return
	}

	patterns := []string{
		fmt.Sprintf("*cache.page.%s.GET.*", viewID),
		fmt.Sprintf("*cache.header.%s.*", viewID),
	}

	var keys []string

	for _, pattern := range patterns {
		matched, err := i.scanner.ScanKeys(ctx, pattern)
		if err != nil {
			i.logger.Error("Failed to scan cache keys",
				slog.String("view", viewID),
				slog.String("pattern", pattern),
				slog.String("error", err.Error()),
			)

			return
		}

		keys = append(keys, matched...)
	}

	if len(keys) == 0 {
		i.logger.Debug("No cache keys to invalidate", slog.String("view", viewID))

		return
	}

	deleted, err := i.scanner.Delete(ctx, keys...)
	if err != nil {
		i.logger.Error("Failed to delete cache keys",
			slog.String("view", viewID),
			slog.String("error", err.Error()),
		)

		return
	}

	i.logger.Debug("Invalidated list view cache",
		slog.String("view", viewID),
		slog.Int("keys_deleted", deleted),
	)
}
