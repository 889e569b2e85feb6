package api

import (
	"time"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

type (
	// StockResponse is the API representation of a stock.
	StockResponse struct {
		ID                  string  `json:"id"`
		Ticker              string  `json:"ticker"`
		Name                *string `json:"name"`
		Sector              *string `json:"sector"`
		Subindustry         *string `json:"subindustry"`
		Industry            *string `json:"industry"`
		MorningstarSector   *string `json:"morningstar_sector"`
		MorningstarIndustry *string `json:"morningstar_industry"`
		Country             *string `json:"country"`
		Description         *string `json:"description"`
		Exchange            *string `json:"exchange"`
		CreatedAt           string  `json:"created_at"`
		UpdatedAt           string  `json:"updated_at"`
	}

	// RunResponse is the API representation of an ingestion run.
	RunResponse struct {
		ID          string  `json:"id"`
		Ticker      string  `json:"ticker"`
		BulkRunID   *string `json:"bulk_run_id"`
		RequestedBy *string `json:"requested_by"`
		RequestID   *string `json:"request_id"`
		State       string  `json:"state"`
		CreatedAt   string  `json:"created_at"`
		UpdatedAt   string  `json:"updated_at"`

		QueuedForFetchAt     *string `json:"queued_for_fetch_at"`
		FetchingStartedAt    *string `json:"fetching_started_at"`
		FetchingFinishedAt   *string `json:"fetching_finished_at"`
		QueuedForTransformAt *string `json:"queued_for_transform_at"`
		TransformStartedAt   *string `json:"transform_started_at"`
		TransformFinishedAt  *string `json:"transform_finished_at"`
		DoneAt               *string `json:"done_at"`
		FailedAt             *string `json:"failed_at"`

		ErrorCode    *string `json:"error_code"`
		ErrorMessage *string `json:"error_message"`

		RawDataURI       *string `json:"raw_data_uri"`
		ProcessedDataURI *string `json:"processed_data_uri"`

		IsTerminal   bool `json:"is_terminal"`
		IsInProgress bool `json:"is_in_progress"`
	}

	// BulkRunResponse is the API representation of a bulk queue run.
	BulkRunResponse struct {
		ID             string  `json:"id"`
		RequestedBy    *string `json:"requested_by"`
		ExchangeFilter *string `json:"exchange_filter"`
		TotalStocks    int     `json:"total_stocks"`
		QueuedCount    int     `json:"queued_count"`
		SkippedCount   int     `json:"skipped_count"`
		ErrorCount     int     `json:"error_count"`
		PendingCount   int     `json:"pending_count"`
		CreatedAt      string  `json:"created_at"`
		StartedAt      *string `json:"started_at"`
		CompletedAt    *string `json:"completed_at"`
	}

	// BulkRunStatsResponse aggregates a bulk run with per-state run counts.
	BulkRunStatsResponse struct {
		BulkRun     BulkRunResponse `json:"bulk_run"`
		StateCounts map[string]int  `json:"state_counts"`
	}

	// StatusResponse is the latest-run summary of a stock.
	StatusResponse struct {
		Ticker    string  `json:"ticker"`
		StockID   string  `json:"stock_id"`
		RunID     *string `json:"run_id"`
		State     *string `json:"state"`
		CreatedAt *string `json:"created_at"`
		UpdatedAt *string `json:"updated_at"`
	}

	// QueueRequest is the body of POST /ticker/queue.
	QueueRequest struct {
		Ticker      string  `json:"ticker"`
		RequestedBy *string `json:"requested_by"`
		RequestID   *string `json:"request_id"`
	}

	// QueueAllRequest is the body of POST /ticker/queue/all.
	QueueAllRequest struct {
		RequestedBy *string `json:"requested_by"`
		Exchange    *string `json:"exchange"`
	}

	// QueueResponse is the response of POST /ticker/queue.
	QueueResponse struct {
		Run     RunResponse `json:"run"`
		Created bool        `json:"created"`
	}

	// QueueAllResponse is the response of POST /ticker/queue/all.
	QueueAllResponse struct {
		BulkRunID string `json:"bulk_run_id"`
		Status    string `json:"status"`
	}

	// ListResponse is the cursor-paginated list envelope.
	ListResponse struct {
		Results    any     `json:"results"`
		NextCursor *string `json:"next_cursor"`
	}
)

// newStockResponse converts a domain stock.
func newStockResponse(stock *ingestion.Stock) StockResponse {
	return StockResponse{
		ID:                  stock.ID.String(),
		Ticker:              stock.Ticker,
		Name:                stock.Name,
		Sector:              stock.Sector,
		Subindustry:         stock.Subindustry,
		Industry:            stock.Industry,
		MorningstarSector:   stock.MorningstarSector,
		MorningstarIndustry: stock.MorningstarIndustry,
		Country:             stock.Country,
		Description:         stock.Description,
		Exchange:            stock.ExchangeName,
		CreatedAt:           stock.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:           stock.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// newRunResponse converts a domain run.
func newRunResponse(run *ingestion.Run) RunResponse {
	response := RunResponse{
		ID:           run.ID.String(),
		RequestedBy:  run.RequestedBy,
		RequestID:    run.RequestID,
		State:        run.State.String(),
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    run.UpdatedAt.UTC().Format(time.RFC3339Nano),
		ErrorCode:    run.ErrorCode,
		ErrorMessage: run.ErrorMessage,

		QueuedForFetchAt:     formatTimePtr(run.QueuedForFetchAt),
		FetchingStartedAt:    formatTimePtr(run.FetchingStartedAt),
		FetchingFinishedAt:   formatTimePtr(run.FetchingFinishedAt),
		QueuedForTransformAt: formatTimePtr(run.QueuedForTransformAt),
		TransformStartedAt:   formatTimePtr(run.TransformStartedAt),
		TransformFinishedAt:  formatTimePtr(run.TransformFinishedAt),
		DoneAt:               formatTimePtr(run.DoneAt),
		FailedAt:             formatTimePtr(run.FailedAt),

		RawDataURI:       run.RawDataURI,
		ProcessedDataURI: run.ProcessedDataURI,

		IsTerminal:   run.IsTerminal(),
		IsInProgress: run.IsInProgress(),
	}

	if run.Stock != nil {
		response.Ticker = run.Stock.Ticker
	}

	if run.BulkRunID != nil {
		id := run.BulkRunID.String()
		response.BulkRunID = &id
	}

	return response
}

// newBulkRunResponse converts a domain bulk run.
func newBulkRunResponse(bulkRun *ingestion.BulkQueueRun) BulkRunResponse {
	return BulkRunResponse{
		ID:             bulkRun.ID.String(),
		RequestedBy:    bulkRun.RequestedBy,
		ExchangeFilter: bulkRun.ExchangeFilter,
		TotalStocks:    bulkRun.TotalStocks,
		QueuedCount:    bulkRun.QueuedCount,
		SkippedCount:   bulkRun.SkippedCount,
		ErrorCount:     bulkRun.ErrorCount,
		PendingCount:   bulkRun.PendingCount(),
		CreatedAt:      bulkRun.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:      formatTimePtr(bulkRun.StartedAt),
		CompletedAt:    formatTimePtr(bulkRun.CompletedAt),
	}
}

// newStatusResponse converts a domain status.
func newStatusResponse(status *ingestion.Status) StatusResponse {
	response := StatusResponse{
		Ticker:    status.Ticker,
		StockID:   status.StockID.String(),
		CreatedAt: formatTimePtr(status.CreatedAt),
		UpdatedAt: formatTimePtr(status.UpdatedAt),
	}

	if status.RunID != nil {
		id := status.RunID.String()
		response.RunID = &id
	}

	if status.State != nil {
		state := status.State.String()
		response.State = &state
	}

	return response
}

// formatTimePtr renders an optional timestamp as RFC3339Nano UTC.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}

	formatted := t.UTC().Format(time.RFC3339Nano)

	return &formatted
}
