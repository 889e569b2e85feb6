package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raulstechtips/stock-etl/internal/api/middleware"
)

// API error codes carried in the error envelope.
const (
	CodeStockNotFound          = "STOCK_NOT_FOUND"
	CodeRunNotFound            = "RUN_NOT_FOUND"
	CodeBulkRunNotFound        = "BULK_RUN_NOT_FOUND"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeRaceCondition          = "RACE_CONDITION"
	CodeValidationError        = "VALIDATION_ERROR"
	CodeInvalidUUID            = "INVALID_UUID"
	CodeBrokerError            = "BROKER_ERROR"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeNotFound               = "NOT_FOUND"
)

type (
	// ErrorDetail is the inner payload of the error envelope.
	ErrorDetail struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}

	// ErrorResponse is the standard error envelope: {"error": {...}}.
	ErrorResponse struct {
		Error ErrorDetail `json:"error"`
	}
)

// WriteError writes the standard error envelope.
func WriteError(
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	status int,
	code, message string,
	details map[string]any,
) {
	response := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.Any("encode_error", err),
		)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		WriteError(w, r, logger, http.StatusInternalServerError, CodeInternalError,
			"Failed to serialize response", nil)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}
