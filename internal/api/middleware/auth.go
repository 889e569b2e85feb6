package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/raulstechtips/stock-etl/internal/storage"
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for invalid API key format or not found.
	// Generic error prevents enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyInactive is returned when the API key is inactive.
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// publicEndpoints holds paths that bypass authentication (health probes).
//
//nolint:gochecknoglobals // process-wide route registry, written once at startup
var (
	publicEndpoints   = make(map[string]bool)
	publicEndpointsMu sync.RWMutex
)

// RegisterPublicEndpoint marks a path as bypassing authentication.
// The server registers its health-check paths and the root path "/" here;
// requests match by exact path.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = true
}

// isPublicEndpoint reports whether the path bypasses authentication.
func isPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// Authenticate creates a middleware that authenticates requests by API key.
// Anonymous requests to protected endpoints get 403 with the standard error
// envelope.
func Authenticate(store storage.APIKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			apiKey, found := extractAPIKey(r)
			if !found {
				logger.Warn("Rejected anonymous request",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeEnvelope(w, http.StatusForbidden, "AUTHENTICATION_REQUIRED",
					"Authentication credentials were not provided")

				return
			}

			if err := authenticateRequest(r, store, apiKey); err != nil {
				logger.Warn("Rejected request with invalid credentials",
					slog.String("path", r.URL.Path),
					slog.String("key", storage.MaskKey(apiKey)),
					slog.String("error", err.Error()),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeEnvelope(w, http.StatusForbidden, "AUTHENTICATION_FAILED",
					"Invalid authentication credentials")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authenticateRequest performs API key authentication and validation.
//
// Security considerations:
//   - Timing attack prevention: a dummy bcrypt comparison runs on the
//     malformed-key and key-not-found paths; the inactive-key path returns
//     without one
//   - Generic error values prevent key enumeration
func authenticateRequest(r *http.Request, store storage.APIKeyStore, apiKey string) error {
	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		performDummyBcryptComparison()

		return ErrInvalidAPIKey
	}

	key, found := store.FindByKey(r.Context(), parsedKey)
	if !found {
		performDummyBcryptComparison()

		return ErrInvalidAPIKey
	}

	if !key.Active {
		return ErrAPIKeyInactive
	}

	return nil
}

// extractAPIKey extracts the API key from request headers.
// It checks the X-Api-Key header first (primary), then falls back to
// Authorization: Bearer header (secondary).
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKeyHeader(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKeyHeader(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKeyHeader cleans a header-supplied key value.
// Keys containing newlines are rejected (header injection prevention).
func validateAPIKeyHeader(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// performDummyBcryptComparison keeps rejected requests on the same timing
// profile as full verifications.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}
