package api

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/storage"
)

// parseStockFilter reads the stock list filters from query parameters.
//
// Supported lookups:
//
//	?ticker=AAPL                  exact (case-insensitive by normalization)
//	?ticker__icontains=app        contains (case-insensitive)
//	?sector=Technology            exact (case-insensitive)
//	?sector__icontains=tech       contains
//	?exchange=NASDAQ              exact
//	?country=US                   exact
func parseStockFilter(values url.Values) storage.StockFilter {
	return storage.StockFilter{
		Ticker:         values.Get("ticker"),
		TickerContains: values.Get("ticker__icontains"),
		Sector:         values.Get("sector"),
		SectorContains: values.Get("sector__icontains"),
		Exchange:       values.Get("exchange"),
		Country:        values.Get("country"),
	}
}

// parseRunFilter reads the run list filters from query parameters.
//
// Supported lookups:
//
//	?ticker=AAPL / ?ticker__icontains=app
//	?state=FAILED                          (must be one of the 8 states)
//	?requested_by=x / ?requested_by__icontains=x
//	?created_after=2025-01-01T00:00:00Z
//	?created_before=2025-12-31T00:00:00Z
//	?is_terminal=true / ?is_in_progress=true
func parseRunFilter(values url.Values) (storage.RunFilter, error) {
	filter := storage.RunFilter{
		Ticker:              values.Get("ticker"),
		TickerContains:      values.Get("ticker__icontains"),
		RequestedBy:         values.Get("requested_by"),
		RequestedByContains: values.Get("requested_by__icontains"),
	}

	if raw := values.Get("state"); raw != "" {
		state, err := ingestion.ParseState(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid state %q", raw)
		}

		filter.State = state
	}

	var err error

	if filter.CreatedAfter, err = parseTimeParam(values, "created_after"); err != nil {
		return filter, err
	}

	if filter.CreatedBefore, err = parseTimeParam(values, "created_before"); err != nil {
		return filter, err
	}

	if filter.IsTerminal, err = parseBoolParam(values, "is_terminal"); err != nil {
		return filter, err
	}

	if filter.IsInProgress, err = parseBoolParam(values, "is_in_progress"); err != nil {
		return filter, err
	}

	return filter, nil
}

// parseTimeParam parses an optional RFC3339 or date-only parameter.
func parseTimeParam(values url.Values, name string) (*time.Time, error) {
	raw := values.Get(name)
	if raw == "" {
		return nil, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed, nil
		}
	}

	return nil, fmt.Errorf("invalid %s %q: expected RFC3339 or YYYY-MM-DD", name, raw)
}

// parseBoolParam parses an optional boolean parameter.
func parseBoolParam(values url.Values, name string) (*bool, error) {
	raw := values.Get(name)
	if raw == "" {
		return nil, nil
	}

	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: expected a boolean", name, raw)
	}

	return &parsed, nil
}
