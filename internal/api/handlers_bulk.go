package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/raulstechtips/stock-etl/internal/cache"
	"github.com/raulstechtips/stock-etl/internal/ingestion"
)

// handleListBulkRuns serves GET /bulk-queue-runs.
func (s *Server) handleListBulkRuns(w http.ResponseWriter, r *http.Request) {
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

	bulkRuns, err := s.store.ListBulkRuns(r.Context(), pageSize, cursor)
	if err != nil {
		s.internalError(w, r, "Failed to list bulk queue runs", err)

		return
	}

	results := make([]BulkRunResponse, 0, len(bulkRuns))
	for _, bulkRun := range bulkRuns {
		results = append(results, newBulkRunResponse(bulkRun))
	}

	response := ListResponse{Results: results}

	if len(bulkRuns) > 0 {
		last := bulkRuns[len(bulkRuns)-1]
		response.NextCursor = nextCursorFor(len(bulkRuns), pageSize, last.CreatedAt, last.ID)
	}

	writeJSON(w, r, s.logger, http.StatusOK, response)
}

// handleBulkRunStats serves GET /bulk-queue-runs/{id}/stats with a
// 5-minute TTL cache: the aggregation scans all linked runs and the result
// only needs to be fresh-ish for dashboards.
func (s *Server) handleBulkRunStats(w http.ResponseWriter, r *http.Request) {
	bulkRunID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, http.StatusBadRequest, CodeInvalidUUID,
			"Bulk run id must be a valid UUID", map[string]any{"bulk_run_id": r.PathValue("id")})

		return
	}

	cacheKey := "cache.stats.bulk-queue-run." + bulkRunID.String()

	if s.statsCache != nil {
		if cached, ok := s.statsCache.Get(r.Context(), cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)

			return
		}
	}

	stats, err := s.store.GetBulkRunStats(r.Context(), bulkRunID)
	if err != nil {
		if errors.Is(err, ingestion.ErrBulkRunNotFound) {
			WriteError(w, r, s.logger, http.StatusNotFound, CodeBulkRunNotFound,
				fmt.Sprintf("Bulk queue run '%s' not found", bulkRunID),
				map[string]any{"bulk_run_id": bulkRunID.String()})

			return
		}

		s.internalError(w, r, "Failed to load bulk run stats", err)

		return
	}

	stateCounts := make(map[string]int, len(stats.StateCounts))
	for state, count := range stats.StateCounts {
		stateCounts[state.String()] = count
	}

	response := BulkRunStatsResponse{
		BulkRun:     newBulkRunResponse(stats.BulkRun),
		StateCounts: stateCounts,
	}

	if s.statsCache != nil {
		if data, err := json.Marshal(response); err == nil {
			_ = s.statsCache.Set(r.Context(), cacheKey, data, cache.StatsTTL)
		}
	}

	writeJSON(w, r, s.logger, http.StatusOK, response)
}
