package ingestion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store, BulkStore, and MetadataStore in memory.
//
// It mirrors the PostgreSQL implementation's contracts - at most one active
// run per stock, validated row transitions, first-entry-wins phase
// timestamps, arithmetic bulk counters - and backs unit tests and local
// development.
type MemoryStore struct {
	mu        sync.Mutex
	stocks    map[uuid.UUID]*Stock
	byTicker  map[string]uuid.UUID
	runs      map[uuid.UUID]*Run
	bulkRuns  map[uuid.UUID]*BulkQueueRun
	exchanges map[string]uuid.UUID
}

// Compile-time interface assertions.
var (
	_ Store         = (*MemoryStore)(nil)
	_ BulkStore     = (*MemoryStore)(nil)
	_ MetadataStore = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:    make(map[uuid.UUID]*Stock),
		byTicker:  make(map[string]uuid.UUID),
		runs:      make(map[uuid.UUID]*Run),
		bulkRuns:  make(map[uuid.UUID]*BulkQueueRun),
		exchanges: make(map[string]uuid.UUID),
	}
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// GetOrCreateStock upserts a stock by normalized ticker.
func (s *MemoryStore) GetOrCreateStock(_ context.Context, ticker string) (*Stock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock, created := s.getOrCreateStockLocked(ticker)

	return cloneStock(stock), created, nil
}

func (s *MemoryStore) getOrCreateStockLocked(ticker string) (*Stock, bool) {
	if id, ok := s.byTicker[ticker]; ok {
		return s.stocks[id], false
	}

	now := time.Now().UTC()
	stock := &Stock{
		ID:        uuid.New(),
		Ticker:    ticker,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.stocks[stock.ID] = stock
	s.byTicker[ticker] = stock.ID

	return stock, true
}

// GetStockByTicker resolves a stock by normalized ticker.
func (s *MemoryStore) GetStockByTicker(_ context.Context, ticker string) (*Stock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTicker[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, ticker)
	}

	return cloneStock(s.stocks[id]), nil
}

// GetRun loads a run by id.
func (s *MemoryStore) GetRun(_ context.Context, runID uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return s.cloneRunLocked(run), nil
}

// LatestRunForStock returns the stock's most recent run or (nil, nil).
func (s *MemoryStore) LatestRunForStock(_ context.Context, stockID uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestRunLocked(stockID, "")
	if latest == nil {
		return nil, nil
	}

	return s.cloneRunLocked(latest), nil
}

// LatestDoneRun returns the stock's most recent DONE run or (nil, nil).
func (s *MemoryStore) LatestDoneRun(_ context.Context, stockID uuid.UUID) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := s.latestRunLocked(stockID, StateDone)
	if latest == nil {
		return nil, nil
	}

	return s.cloneRunLocked(latest), nil
}

func (s *MemoryStore) latestRunLocked(stockID uuid.UUID, state State) *Run {
	var latest *Run

	for _, run := range s.runs {
		if run.StockID != stockID {
			continue
		}

		if state != "" && run.State != state {
			continue
		}

		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}

	return latest
}

// ActiveRuns returns all runs in non-terminal states.
func (s *MemoryStore) ActiveRuns(_ context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*Run

	for _, run := range s.runs {
		if run.IsInProgress() {
			active = append(active, s.cloneRunLocked(run))
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})

	return active, nil
}

// QueueForFetch atomically upserts the stock and creates (or returns) a run.
func (s *MemoryStore) QueueForFetch(
	_ context.Context,
	ticker string,
	requestedBy, requestID *string,
) (*Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock, _ := s.getOrCreateStockLocked(ticker)

	if latest := s.latestRunLocked(stock.ID, ""); latest != nil && latest.IsInProgress() {
		return s.cloneRunLocked(latest), false, nil
	}

	// The partial unique constraint: any remaining active run blocks creation.
	for _, run := range s.runs {
		if run.StockID == stock.ID && run.IsInProgress() {
			return nil, false, fmt.Errorf("%w: %s", ErrDuplicateActiveRun, ticker)
		}
	}

	now := time.Now().UTC()
	queuedAt := now
	run := &Run{
		ID:               uuid.New(),
		StockID:          stock.ID,
		RequestedBy:      clonePtr(requestedBy),
		RequestID:        clonePtr(requestID),
		State:            StateQueuedForFetch,
		CreatedAt:        now,
		UpdatedAt:        now,
		QueuedForFetchAt: &queuedAt,
	}

	s.runs[run.ID] = run

	return s.cloneRunLocked(run), true, nil
}

// UpdateRunState performs a validated state transition.
func (s *MemoryStore) UpdateRunState(_ context.Context, params UpdateRunStateParams) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[params.RunID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, params.RunID)
	}

	if err := ValidateTransition(run.State, params.NewState); err != nil {
		return nil, err
	}

	if params.NewState == StateFailed {
		if params.ErrorCode == nil || *params.ErrorCode == "" ||
			params.ErrorMessage == nil || *params.ErrorMessage == "" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStateTransition, ErrMissingErrorFields)
		}

		run.ErrorCode = clonePtr(params.ErrorCode)
		run.ErrorMessage = clonePtr(params.ErrorMessage)
	}

	run.State = params.NewState
	run.UpdatedAt = time.Now().UTC()

	s.stampPhaseLocked(run, params.NewState)

	if params.RawDataURI != nil {
		run.RawDataURI = clonePtr(params.RawDataURI)
	}

	if params.ProcessedDataURI != nil {
		run.ProcessedDataURI = clonePtr(params.ProcessedDataURI)
	}

	return s.cloneRunLocked(run), nil
}

// stampPhaseLocked sets the state's phase timestamp; the first entry wins.
func (s *MemoryStore) stampPhaseLocked(run *Run, state State) {
	now := time.Now().UTC()

	stampOnce := func(target **time.Time) {
		if *target == nil {
			stamp := now
			*target = &stamp
		}
	}

	switch state {
	case StateQueuedForFetch:
		stampOnce(&run.QueuedForFetchAt)
	case StateFetching:
		stampOnce(&run.FetchingStartedAt)
	case StateFetched:
		stampOnce(&run.FetchingFinishedAt)
	case StateQueuedForTransform:
		stampOnce(&run.QueuedForTransformAt)
	case StateTransformRunning:
		stampOnce(&run.TransformStartedAt)
	case StateTransformFinished:
		stampOnce(&run.TransformFinishedAt)
	case StateDone:
		stampOnce(&run.DoneAt)
	case StateFailed:
		stampOnce(&run.FailedAt)
	}
}

// LinkRunToBulkRun sets the run's bulk-run foreign key if not already set.
func (s *MemoryStore) LinkRunToBulkRun(_ context.Context, runID, bulkRunID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if run.BulkRunID == nil {
		id := bulkRunID
		run.BulkRunID = &id
	}

	return nil
}

// CreateBulkRun creates a bulk queue run record.
func (s *MemoryStore) CreateBulkRun(_ context.Context, requestedBy, exchangeFilter *string) (*BulkQueueRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun := &BulkQueueRun{
		ID:             uuid.New(),
		RequestedBy:    clonePtr(requestedBy),
		ExchangeFilter: clonePtr(exchangeFilter),
		CreatedAt:      time.Now().UTC(),
	}

	s.bulkRuns[bulkRun.ID] = bulkRun

	clone := *bulkRun

	return &clone, nil
}

// GetBulkRun loads a bulk run by id.
func (s *MemoryStore) GetBulkRun(_ context.Context, bulkRunID uuid.UUID) (*BulkQueueRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun, ok := s.bulkRuns[bulkRunID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBulkRunNotFound, bulkRunID)
	}

	clone := *bulkRun

	return &clone, nil
}

// MarkBulkRunStarted stamps started_at.
func (s *MemoryStore) MarkBulkRunStarted(_ context.Context, bulkRunID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun, ok := s.bulkRuns[bulkRunID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBulkRunNotFound, bulkRunID)
	}

	now := time.Now().UTC()
	bulkRun.StartedAt = &now

	return nil
}

// SetBulkRunTotal records the number of candidate tickers.
func (s *MemoryStore) SetBulkRunTotal(_ context.Context, bulkRunID uuid.UUID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun, ok := s.bulkRuns[bulkRunID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBulkRunNotFound, bulkRunID)
	}

	bulkRun.TotalStocks = total

	return nil
}

// IncrementBulkCounters applies the deltas atomically.
func (s *MemoryStore) IncrementBulkCounters(
	_ context.Context,
	bulkRunID uuid.UUID,
	queued, skipped, errored int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun, ok := s.bulkRuns[bulkRunID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBulkRunNotFound, bulkRunID)
	}

	bulkRun.QueuedCount += queued
	bulkRun.SkippedCount += skipped
	bulkRun.ErrorCount += errored

	return nil
}

// MarkBulkRunCompleted stamps completed_at.
func (s *MemoryStore) MarkBulkRunCompleted(_ context.Context, bulkRunID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRun, ok := s.bulkRuns[bulkRunID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBulkRunNotFound, bulkRunID)
	}

	now := time.Now().UTC()
	bulkRun.CompletedAt = &now

	return nil
}

// ListTickers returns all tickers in alphabetical order, optionally
// filtered by exchange name.
func (s *MemoryStore) ListTickers(_ context.Context, exchangeFilter string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := NormalizeExchangeName(exchangeFilter)

	var tickers []string

	for _, stock := range s.stocks {
		if normalized != "" {
			if stock.ExchangeName == nil || *stock.ExchangeName != normalized {
				continue
			}
		}

		tickers = append(tickers, stock.Ticker)
	}

	sort.Strings(tickers)

	return tickers, nil
}

// UpdateStockMetadata writes descriptive fields onto the stock.
func (s *MemoryStore) UpdateStockMetadata(
	_ context.Context,
	stockID uuid.UUID,
	fields map[string]string,
) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock, ok := s.stocks[stockID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, stockID)
	}

	var updated []string

	for field, value := range fields {
		value := value

		switch field {
		case "name":
			stock.Name = &value
		case "sector":
			stock.Sector = &value
		case "subindustry":
			stock.Subindustry = &value
		case "industry":
			stock.Industry = &value
		case "morningstar_sector":
			stock.MorningstarSector = &value
		case "morningstar_industry":
			stock.MorningstarIndustry = &value
		case "country":
			stock.Country = &value
		case "description":
			stock.Description = &value
		case "exchange":
			name := NormalizeExchangeName(value)

			exchangeID, ok := s.exchanges[name]
			if !ok {
				exchangeID = uuid.New()
				s.exchanges[name] = exchangeID
			}

			stock.ExchangeID = &exchangeID
			stock.ExchangeName = &name
		default:
			continue
		}

		updated = append(updated, field)
	}

	if len(updated) > 0 {
		stock.UpdatedAt = time.Now().UTC()
	}

	return updated, nil
}

// AllRuns returns every run ordered by descending creation time, for tests
// and the in-memory query surface.
func (s *MemoryStore) AllRuns() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*Run, 0, len(s.runs))

	for _, run := range s.runs {
		runs = append(runs, s.cloneRunLocked(run))
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	return runs
}

// AllStocks returns every stock ordered by descending creation time, for
// tests and the in-memory query surface.
func (s *MemoryStore) AllStocks() []*Stock {
	s.mu.Lock()
	defer s.mu.Unlock()

	stocks := make([]*Stock, 0, len(s.stocks))

	for _, stock := range s.stocks {
		stocks = append(stocks, cloneStock(stock))
	}

	sort.Slice(stocks, func(i, j int) bool {
		return stocks[i].CreatedAt.After(stocks[j].CreatedAt)
	})

	return stocks
}

// AllBulkRuns returns every bulk run ordered by descending creation time.
func (s *MemoryStore) AllBulkRuns() []*BulkQueueRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	bulkRuns := make([]*BulkQueueRun, 0, len(s.bulkRuns))

	for _, bulkRun := range s.bulkRuns {
		clone := *bulkRun
		bulkRuns = append(bulkRuns, &clone)
	}

	sort.Slice(bulkRuns, func(i, j int) bool {
		return bulkRuns[i].CreatedAt.After(bulkRuns[j].CreatedAt)
	})

	return bulkRuns
}

// ExchangeCount returns the number of distinct exchanges, for tests.
func (s *MemoryStore) ExchangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.exchanges)
}

// SetStockExchange assigns an exchange name to a stock, for tests that
// need exchange-filtered fan-out.
func (s *MemoryStore) SetStockExchange(ticker, exchangeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTicker[NormalizeTicker(ticker)]
	if !ok {
		return
	}

	name := NormalizeExchangeName(exchangeName)

	exchangeID, ok := s.exchanges[name]
	if !ok {
		exchangeID = uuid.New()
		s.exchanges[name] = exchangeID
	}

	s.stocks[id].ExchangeID = &exchangeID
	s.stocks[id].ExchangeName = &name
}

// cloneRunLocked returns a deep copy with the stock loaded eagerly.
func (s *MemoryStore) cloneRunLocked(run *Run) *Run {
	clone := *run
	clone.BulkRunID = cloneIDPtr(run.BulkRunID)
	clone.RequestedBy = clonePtr(run.RequestedBy)
	clone.RequestID = clonePtr(run.RequestID)
	clone.ErrorCode = clonePtr(run.ErrorCode)
	clone.ErrorMessage = clonePtr(run.ErrorMessage)
	clone.RawDataURI = clonePtr(run.RawDataURI)
	clone.ProcessedDataURI = clonePtr(run.ProcessedDataURI)

	if stock, ok := s.stocks[run.StockID]; ok {
		clone.Stock = cloneStock(stock)
	}

	return &clone
}

func cloneStock(stock *Stock) *Stock {
	clone := *stock
	clone.Name = clonePtr(stock.Name)
	clone.Sector = clonePtr(stock.Sector)
	clone.Subindustry = clonePtr(stock.Subindustry)
	clone.Industry = clonePtr(stock.Industry)
	clone.MorningstarSector = clonePtr(stock.MorningstarSector)
	clone.MorningstarIndustry = clonePtr(stock.MorningstarIndustry)
	clone.Country = clonePtr(stock.Country)
	clone.Description = clonePtr(stock.Description)
	clone.ExchangeID = cloneIDPtr(stock.ExchangeID)
	clone.ExchangeName = clonePtr(stock.ExchangeName)

	return &clone
}

func clonePtr(value *string) *string {
	if value == nil {
		return nil
	}

	clone := *value

	return &clone
}

func cloneIDPtr(value *uuid.UUID) *uuid.UUID {
	if value == nil {
		return nil
	}

	clone := *value

	return &clone
}
