package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/ingestion"
	"github.com/raulstechtips/stock-etl/internal/storage"
)

// handleListRuns serves GET /runs: a cursor-paginated, filterable run list.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r.URL.Query())
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError, err.Error(), nil)

		return
	}

	s.writeRunPage(w, r, filter)
}

// handleRunsForTicker serves GET /runs/ticker/{ticker}.
func (s *Server) handleRunsForTicker(w http.ResponseWriter, r *http.Request) {
	ticker := ingestion.NormalizeTicker(r.PathValue("ticker"))

	// Resolve the stock first so unknown tickers 404 instead of returning
	// an empty page.
	if _, err := s.store.GetStockByTicker(r.Context(), ticker); err != nil {
		if errors.Is(err, ingestion.ErrStockNotFound) {
			WriteError(w, r, s.logger, http.StatusNotFound, CodeStockNotFound,
				fmt.Sprintf("Stock '%s' not found", ticker), map[string]any{"ticker": ticker})

			return
		}

		s.internalError(w, r, "Failed to load stock", err)

		return
	}

	filter, err := parseRunFilter(r.URL.Query())
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeValidationError, err.Error(), nil)

		return
	}

	filter.Ticker = ticker

	s.writeRunPage(w, r, filter)
}

// handleRunDetail serves GET /run/{id}/detail.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeInvalidUUID,
			"Run id must be a valid UUID", map[string]any{"run_id": r.PathValue("id")})

		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ingestion.ErrRunNotFound) {
			WriteError(w, r, s.logger, http.StatusNotFound, CodeRunNotFound,
				fmt.Sprintf("Ingestion run '%s' not found", runID),
				map[string]any{"run_id": runID.String()})

			return
		}

		s.internalError(w, r, "Failed to load run", err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, newRunResponse(run))
}

// writeRunPage fetches and renders one page of runs.
func (s *Server) writeRunPage(w http.ResponseWriter, r *http.Request, filter storage.RunFilter) {
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

	runs, err := s.store.ListRuns(r.Context(), filter, pageSize, cursor)
	if err != nil {
		s.internalError(w, r, "Failed to list runs", err)

		return
	}

	results := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		results = append(results, newRunResponse(run))
	}

	response := ListResponse{Results: results}

	if len(runs) > 0 {
		last := runs[len(runs)-1]
		response.NextCursor = nextCursorFor(len(runs), pageSize, last.CreatedAt, last.ID)
	}

	writeJSON(w, r, s.logger, http.StatusOK, response)
}
