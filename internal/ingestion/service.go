package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service coordinates stock ingestion runs through the ETL pipeline.
//
// It encapsulates the business logic around checking stock status, queueing
// new runs, and updating run states; the transactional mechanics (row locks,
// the partial unique constraint) live behind the Store interface.
//
// Enqueueing the downstream fetch task is the caller's responsibility and
// must happen only after QueueForFetch returns, so workers never race a row
// that is not yet visible outside the transaction.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an ingestion service on top of the given store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// GetStatus returns the status of the stock's latest ingestion run.
//
// Returns ErrStockNotFound when the ticker does not resolve. Run fields of
// the result are nil when the stock exists but has no runs.
func (s *Service) GetStatus(ctx context.Context, ticker string) (*Status, error) {
	normalized, err := ValidateTicker(ticker)
	if err != nil {
		return nil, err
	}

	stock, err := s.store.GetStockByTicker(ctx, normalized)
	if err != nil {
		return nil, err
	}

	latest, err := s.store.LatestRunForStock(ctx, stock.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run for %s: %w", normalized, err)
	}

	status := &Status{
		Ticker:  stock.Ticker,
		StockID: stock.ID,
	}

	if latest != nil {
		runID := latest.ID
		state := latest.State
		createdAt := latest.CreatedAt
		updatedAt := latest.UpdatedAt

		status.RunID = &runID
		status.State = &state
		status.CreatedAt = &createdAt
		status.UpdatedAt = &updatedAt
	}

	return status, nil
}

// QueueForFetch queues a stock for fetching, creating the stock if needed.
//
// If the stock already has an active (non-terminal) run, that run is
// returned with created=false - the idempotent fast path. Otherwise a new
// run is created in QUEUED_FOR_FETCH with created=true. A concurrent winner
// surfaces as ErrDuplicateActiveRun, which the API maps to 409.
func (s *Service) QueueForFetch(ctx context.Context, ticker string, requestedBy, requestID *string) (*Run, bool, error) {
	normalized, err := ValidateTicker(ticker)
	if err != nil {
		return nil, false, err
	}

	if requestID == nil {
		generated := generateRequestID(time.Now().UTC())
		requestID = &generated
	}

	run, created, err := s.store.QueueForFetch(ctx, normalized, requestedBy, requestID)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("Created new ingestion run",
			slog.String("ticker", normalized),
			slog.String("run_id", run.ID.String()),
			slog.String("request_id", *requestID),
		)
	} else {
		s.logger.Info("Active run exists, returning it",
			slog.String("ticker", normalized),
			slog.String("run_id", run.ID.String()),
			slog.String("state", run.State.String()),
		)
	}

	return run, created, nil
}

// GetRun loads a run by id. Returns ErrRunNotFound when it does not exist.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return s.store.GetRun(ctx, runID)
}

// UpdateRunState performs a validated, row-locked state transition.
//
// The URI parameters overwrite the stored values only when non-nil.
// Transitioning into FAILED requires both error fields.
func (s *Service) UpdateRunState(ctx context.Context, params UpdateRunStateParams) (*Run, error) {
	run, err := s.store.UpdateRunState(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Updated run state",
		slog.String("run_id", params.RunID.String()),
		slog.String("state", run.State.String()),
	)

	return run, nil
}

// MarkRunFailed transitions a run to FAILED with the given error details.
//
// An ErrInvalidStateTransition result is logged and swallowed: the run may
// already be terminal from another process, and failing the failure path
// would mask the original error.
func (s *Service) MarkRunFailed(ctx context.Context, runID uuid.UUID, errorCode, errorMessage string) {
	_, err := s.store.UpdateRunState(ctx, UpdateRunStateParams{
		RunID:        runID,
		NewState:     StateFailed,
		ErrorCode:    &errorCode,
		ErrorMessage: &errorMessage,
	})
	if err != nil {
		s.logger.Warn("Could not transition run to FAILED",
			slog.String("run_id", runID.String()),
			slog.String("error_code", errorCode),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("Transitioned run to FAILED",
		slog.String("run_id", runID.String()),
		slog.String("error_code", errorCode),
	)
}

// generateRequestID derives a request id from a high-resolution wall clock,
// e.g. 20260415093021123456789.
func generateRequestID(now time.Time) string {
	return fmt.Sprintf("%s%09d", now.Format("20060102150405"), now.Nanosecond())
}
