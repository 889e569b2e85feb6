package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/raulstechtips/stock-etl/internal/api/middleware"
	"github.com/raulstechtips/stock-etl/internal/cache"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2
)

// serviceName identifies this API in health responses.
const serviceName = "stock-etl"

// version is set at build time via -ldflags.
//
//nolint:gochecknoglobals // build-time version injection
var version = "1.0.0-dev"

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // liveness probe
		Route{"GET /ready", s.handleReady},   // readiness probe
		Route{"GET /health", s.handleHealth}, // status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all 404
	)

	// Stock endpoints
	mux.HandleFunc("GET /tickers", s.pageCache.Middleware(cache.ViewTickerList, s.handleListTickers))
	mux.HandleFunc("GET /ticker/{ticker}/detail", s.handleTickerDetail)
	mux.HandleFunc("GET /ticker/{ticker}/status", s.handleTickerStatus)
	mux.HandleFunc("POST /ticker/queue", s.handleQueueTicker)
	mux.HandleFunc("POST /ticker/queue/all", s.handleQueueAll)

	// Run endpoints
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/ticker/{ticker}", s.handleRunsForTicker)
	mux.HandleFunc("GET /run/{id}/detail", s.handleRunDetail)

	// Bulk queue run endpoints
	mux.HandleFunc("GET /bulk-queue-runs", s.handleListBulkRuns)
	mux.HandleFunc("GET /bulk-queue-runs/{id}/stats", s.handleBulkRunStats)

	// Raw data passthrough
	mux.HandleFunc("GET /data/all-data/{ticker}", s.handleAllData)
}

// registerPublicRoutes registers HTTP routes that bypass authentication;
// rate limiting still applies to them. They are the health-check endpoints
// and the catch-all 404 handler, whose path "/" is exempt only when it is
// requested exactly.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip the method prefix: Go 1.22 routing patterns are
		// "GET /path" but r.URL.Path is just "/path".
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a storage health check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	writeJSON(w, r, s.logger, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     version,
		Uptime:      uptime,
	})
}

// handleNotFound is the catch-all 404 handler.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, s.logger, http.StatusNotFound, CodeNotFound,
		"The requested resource does not exist", map[string]any{
			"path": r.URL.Path,
		})
}
