package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ticker length bounds for stored tickers. The HTTP layer applies a
// stricter bound on queue requests.
const (
	tickerMinLen = 1
	tickerMaxLen = 20
)

// ErrInvalidTicker indicates a ticker that is empty, too long, or not alphanumeric.
var ErrInvalidTicker = errors.New("invalid ticker")

type (
	// Stock represents a stock ticker symbol and its descriptive metadata.
	//
	// The ticker is stored normalized (trimmed, uppercase); lookups
	// normalize before querying so 'aapl' and 'AAPL' resolve to the same
	// row. Descriptive fields stay nil until the metadata projector fills
	// them from the unified table.
	Stock struct {
		ID                  uuid.UUID
		Ticker              string
		Name                *string
		Sector              *string
		Subindustry         *string
		Industry            *string
		MorningstarSector   *string
		MorningstarIndustry *string
		Country             *string
		Description         *string
		ExchangeID          *uuid.UUID
		ExchangeName        *string
		CreatedAt           time.Time
		UpdatedAt           time.Time
	}

	// Exchange represents a stock exchange. Names are stored normalized
	// (trimmed, uppercase) and are unique.
	Exchange struct {
		ID        uuid.UUID
		Name      string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Run represents a single ingestion run for a stock ticker: one attempt
	// to take the ticker from queued to done.
	//
	// Phase timestamps are stamped on first entry into the matching state;
	// idempotent re-entry does not overwrite an existing stamp.
	Run struct {
		ID        uuid.UUID
		StockID   uuid.UUID
		Stock     *Stock
		BulkRunID *uuid.UUID

		RequestedBy *string
		RequestID   *string

		State State

		CreatedAt time.Time
		UpdatedAt time.Time

		QueuedForFetchAt     *time.Time
		FetchingStartedAt    *time.Time
		FetchingFinishedAt   *time.Time
		QueuedForTransformAt *time.Time
		TransformStartedAt   *time.Time
		TransformFinishedAt  *time.Time
		DoneAt               *time.Time
		FailedAt             *time.Time

		ErrorCode    *string
		ErrorMessage *string

		RawDataURI       *string
		ProcessedDataURI *string
	}

	// BulkQueueRun aggregates a single fan-out request over many tickers.
	//
	// The three counters are maintained with in-database arithmetic so they
	// stay correct under retries and parallel workers. At completion,
	// queued + skipped + error = total.
	BulkQueueRun struct {
		ID             uuid.UUID
		RequestedBy    *string
		ExchangeFilter *string
		TotalStocks    int
		QueuedCount    int
		SkippedCount   int
		ErrorCount     int
		CreatedAt      time.Time
		StartedAt      *time.Time
		CompletedAt    *time.Time
	}

	// Status summarizes a stock's latest ingestion run. Run fields are nil
	// when the stock has no runs yet.
	Status struct {
		Ticker    string
		StockID   uuid.UUID
		RunID     *uuid.UUID
		State     *State
		CreatedAt *time.Time
		UpdatedAt *time.Time
	}
)

// IsTerminal reports whether the run is in a terminal state (DONE or FAILED).
func (r *Run) IsTerminal() bool {
	return r.State.IsTerminal()
}

// IsInProgress reports whether the run is currently in progress.
func (r *Run) IsInProgress() bool {
	return !r.IsTerminal()
}

// PendingCount returns the number of tickers not yet accounted for by the
// three counters. It is zero once the fan-out completes.
func (b *BulkQueueRun) PendingCount() int {
	pending := b.TotalStocks - b.QueuedCount - b.SkippedCount - b.ErrorCount
	if pending < 0 {
		return 0
	}

	return pending
}

// IsComplete reports whether the fan-out has finished.
func (b *BulkQueueRun) IsComplete() bool {
	return b.CompletedAt != nil
}

// NormalizeTicker trims whitespace and uppercases a ticker symbol.
// Normalization is idempotent and happens before any uniqueness check.
func NormalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// ValidateTicker normalizes the ticker and checks the stored-ticker
// constraints: 1-20 alphanumeric characters.
func ValidateTicker(ticker string) (string, error) {
	normalized := NormalizeTicker(ticker)

	if len(normalized) < tickerMinLen || len(normalized) > tickerMaxLen {
		return "", fmt.Errorf("%w: length must be between %d and %d characters, got %q",
			ErrInvalidTicker, tickerMinLen, tickerMaxLen, normalized)
	}

	for _, r := range normalized {
		isDigit := r >= '0' && r <= '9'
		isUpper := r >= 'A' && r <= 'Z'

		if !isDigit && !isUpper {
			return "", fmt.Errorf("%w: must be alphanumeric, got %q", ErrInvalidTicker, normalized)
		}
	}

	return normalized, nil
}

// NormalizeExchangeName trims and uppercases an exchange name.
func NormalizeExchangeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
