package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/objectstore"
	"github.com/raulstechtips/stock-etl/internal/queue"
)

// queueTickerMaxLen bounds tickers accepted on the queue endpoint.
const queueTickerMaxLen = 10

// handleListTickers serves GET /tickers: a cursor-paginated, filterable
// stock list.
func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	pageSize, err := parsePageSize(r.URL.Query())
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError, err.Error(), nil)

		return
	}

	cursor, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
			"Invalid pagination cursor", nil)

		return
	}

	filter := parseStockFilter(r.URL.Query())

	stocks, err := s.store.ListStocks(r.Context(), filter, pageSize, cursor)
	if err != nil {
		s.internalError(w, r, "Failed to list stocks", err)

		return
	}

	results := make([]StockResponse, 0, len(stocks))
	for _, stock := range stocks {
		results = append(results, newStockResponse(stock))
	}

	response := ListResponse{Results: results}

	if len(stocks) > 0 {
		last := stocks[len(stocks)-1]
		response.NextCursor = nextCursorFor(len(stocks), pageSize, last.CreatedAt, last.ID)
	}

	writeJSON(w, r, s.logger, http.StatusOK, response)
}

// handleTickerDetail serves GET /ticker/{ticker}/detail.
func (s *Server) handleTickerDetail(w http.ResponseWriter, r *http.Request) {
	ticker := ingestion.NormalizeTicker(r.PathValue("ticker"))

	stock, err := s.store.GetStockByTicker(r.Context(), ticker)
	if err != nil {
		if errors.Is(err, ingestion.ErrStockNotFound) {
			WriteError(w, r, s.logger, http.StatusNotFound, CodeStockNotFound,
				fmt.Sprintf("Stock '%s' not found", ticker), map[string]any{"ticker": ticker})

			return
		}

		s.internalError(w, r, "Failed to load stock", err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newStockResponse(stock))
}

// handleTickerStatus serves GET /ticker/{ticker}/status: the latest run
// summary.
func (s *Server) handleTickerStatus(w http.ResponseWriter, r *http.Request) {
	ticker := r.PathValue("ticker")

	status, err := s.service.GetStatus(r.Context(), ticker)
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrStockNotFound):
			WriteError(w, r, s.logger, http.StatusNotFound, CodeStockNotFound,
				fmt.Sprintf("Stock '%s' not found", ingestion.NormalizeTicker(ticker)),
				map[string]any{"ticker": ingestion.NormalizeTicker(ticker)})
		case errors.Is(err, ingestion.ErrInvalidTicker):
			WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
				err.Error(), map[string]any{"ticker": ticker})
		default:
			s.internalError(w, r, "Failed to load status", err)
		}

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newStatusResponse(status))
}

// handleQueueTicker serves POST /ticker/queue.
//
// Responses:
//   - 200: the stock already has an active run (returned unchanged)
//   - 201: a new run was created and the fetch task enqueued
//   - 400: validation failure
//   - 409: a concurrent request won the creation race
//   - 500: the broker rejected the enqueue (the run is marked FAILED)
func (s *Server) handleQueueTicker(w http.ResponseWriter, r *http.Request) {
	var request QueueRequest

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
			"Request body must be valid JSON", nil)

		return
	}

	ticker, err := validateQueueTicker(request.Ticker)
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
			err.Error(), map[string]any{"ticker": request.Ticker})

		return
	}

	run, created, err := s.service.QueueForFetch(r.Context(), ticker, request.RequestedBy, request.RequestID)
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrDuplicateActiveRun):
			WriteError(w, r, s.logger, http.StatusConflict, CodeRaceCondition,
				fmt.Sprintf("A concurrent request created an active run for '%s'", ticker),
				map[string]any{"ticker": ticker})
		case errors.Is(err, ingestion.ErrInvalidTicker):
			WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
				err.Error(), map[string]any{"ticker": ticker})
		default:
			s.internalError(w, r, "Failed to queue ticker", err)
		}

		return
	}

	if !created {
		writeJSON(w, r, s.logger, http.StatusOK, QueueResponse{Run: newRunResponse(run), Created: false})

		return
	}

	// Enqueue strictly after the transaction committed: the run row is
	// visible to workers by now.
	err = s.tasks.Enqueue(r.Context(), s.config.FetchTopic, queue.Task{
		Type:   queue.TaskFetch,
		RunID:  run.ID.String(),
		Ticker: ticker,
	})
	if err != nil {
		s.service.MarkRunFailed(r.Context(), run.ID, ingestion.CodeBrokerError,
			fmt.Sprintf("failed to enqueue fetch task: %v", err))

		WriteError(w, r, s.logger, http.StatusInternalServerError, CodeBrokerError,
			"Failed to enqueue the fetch task; the run was marked FAILED",
			map[string]any{"ticker": ticker, "run_id": run.ID.String()})

		return
	}

	writeJSON(w, r, s.logger, http.StatusCreated, QueueResponse{Run: newRunResponse(run), Created: true})
}

// handleQueueAll serves POST /ticker/queue/all: it creates the bulk run
// record and hands the fan-out to the bulk worker.
func (s *Server) handleQueueAll(w http.ResponseWriter, r *http.Request) {
	var request QueueAllRequest

	// An empty body is acceptable here; decode failures on present bodies are not.
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError,
				"Request body must be valid JSON", nil)

			return
		}
	}

	bulkRun, err := s.store.CreateBulkRun(r.Context(), request.RequestedBy, request.Exchange)
	if err != nil {
		s.internalError(w, r, "Failed to create bulk queue run", err)

		return
	}

	err = s.tasks.Enqueue(r.Context(), s.config.BulkTopic, queue.Task{
		Type:      queue.TaskBulk,
		BulkRunID: bulkRun.ID.String(),
	})
	if err != nil {
		WriteError(w, r, s.logger, http.StatusInternalServerError, CodeBrokerError,
			"Failed to enqueue the bulk fan-out task",
			map[string]any{"bulk_run_id": bulkRun.ID.String()})

		return
	}

	writeJSON(w, r, s.logger, http.StatusAccepted, QueueAllResponse{
		BulkRunID: bulkRun.ID.String(),
		Status:    "accepted",
	})
}

// handleAllData serves GET /data/all-data/{ticker}: it streams the latest
// DONE run's raw JSON from the object store.
func (s *Server) handleAllData(w http.ResponseWriter, r *http.Request) {
	ticker := ingestion.NormalizeTicker(r.PathValue("ticker"))

	stock, err := s.store.GetStockByTicker(r.Context(), ticker)
	if err != nil {
		if errors.Is(err, ingestion.ErrStockNotFound) {
			WriteError(w, r, s.logger, http.StatusNotFound, CodeStockNotFound,
				fmt.Sprintf("Stock '%s' not found", ticker), map[string]any{"ticker": ticker})

			return
		}

		s.internalError(w, r, "Failed to load stock", err)

		return
	}

	run, err := s.store.LatestDoneRun(r.Context(), stock.ID)
	if err != nil {
		s.internalError(w, r, "Failed to load latest done run", err)

		return
	}

	if run == nil || run.RawDataURI == nil {
		WriteError(w, r, s.logger, http.StatusNotFound, CodeRunNotFound,
			fmt.Sprintf("No completed ingestion data for '%s'", ticker),
			map[string]any{"ticker": ticker})

		return
	}

	bucket, key, err := objectstore.ParseURI(*run.RawDataURI)
	if err != nil {
		s.internalError(w, r, "Stored raw data URI is malformed", err)

		return
	}

	payload, err := s.objectStore.Get(r.Context(), bucket, key)
	if err != nil {
		switch {
		case errors.Is(err, objectstore.ErrAuthentication):
			WriteError(w, r, s.logger, http.StatusUnauthorized, CodeInternalError,
				"Object store rejected the request", nil)
		case errors.Is(err, objectstore.ErrObjectNotFound):
			WriteError(w, r, s.logger, http.StatusNotFound, CodeNotFound,
				fmt.Sprintf("Raw data object for '%s' no longer exists", ticker),
				map[string]any{"ticker": ticker})
		default:
			s.internalError(w, r, "Failed to read raw data", err)
		}

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// validateQueueTicker enforces the queue endpoint's 1-10 alphanumeric
// ticker constraint on top of normalization.
func validateQueueTicker(raw string) (string, error) {
	ticker, err := ingestion.ValidateTicker(raw)
	if err != nil {
		return "", err
	}

	if len(ticker) > queueTickerMaxLen {
		return "", fmt.Errorf("%w: must be at most %d characters, got %q",
			ingestion.ErrInvalidTicker, queueTickerMaxLen, ticker)
	}

	return ticker, nil
}

// internalError logs the cause and writes a generic 500 envelope.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	s.logger.Error(message,
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	WriteError(w, r, s.logger, http.StatusInternalServerError, CodeInternalError, message, nil)
}
