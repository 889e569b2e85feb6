package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults and bounds.
const (
	defaultGlobalRPS        = 100
	defaultClientRPS        = 20
	burstMultiplier         = 2
	maxTrackedClients       = 1000
	limiterCleanupInterval  = 5 * time.Minute
	limiterClientIdleExpiry = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// Implementations may use in-memory token buckets (single-node
	// deployment) or distributed stores for multi-node deployments.
	RateLimiter interface {
		// Allow checks if a request from the client should be allowed.
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate
	// token buckets: one global limit plus a per-client limit keyed by
	// remote address. Idle clients are evicted periodically to bound
	// memory.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		perClient map[string]*clientLimiter
		mu        sync.Mutex
		done      chan struct{}
		closeOnce sync.Once

		clientRPS   int
		clientBurst int
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}

	// RateLimiterConfig holds the limiter's sustained rates.
	RateLimiterConfig struct {
		GlobalRPS int
		ClientRPS int
	}
)

// Compile-time interface assertion.
var _ RateLimiter = (*InMemoryRateLimiter)(nil)

// DefaultRateLimiterConfig returns the standard limits.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		GlobalRPS: defaultGlobalRPS,
		ClientRPS: defaultClientRPS,
	}
}

// NewInMemoryRateLimiter creates an in-memory rate limiter. Burst capacity
// is twice the sustained rate.
func NewInMemoryRateLimiter(config *RateLimiterConfig) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(config.GlobalRPS), config.GlobalRPS*burstMultiplier),
		perClient:   make(map[string]*clientLimiter),
		done:        make(chan struct{}),
		clientRPS:   config.ClientRPS,
		clientBurst: config.ClientRPS * burstMultiplier,
	}

	go rl.runCleanup()

	return rl
}

// Allow checks the global limit, then the per-client limit.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	rl.mu.Lock()

	client, ok := rl.perClient[clientID]
	if !ok {
		if len(rl.perClient) >= maxTrackedClients {
			rl.evictOldestLocked()
		}

		client = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		}
		rl.perClient[clientID] = client
	}

	client.lastAccess = time.Now()
	rl.mu.Unlock()

	return client.limiter.Allow()
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		close(rl.done)
	})

	return nil
}

// runCleanup periodically drops idle clients.
func (rl *InMemoryRateLimiter) runCleanup() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterClientIdleExpiry)

			rl.mu.Lock()

			for clientID, client := range rl.perClient {
				if client.lastAccess.Before(cutoff) {
					delete(rl.perClient, clientID)
				}
			}

			rl.mu.Unlock()
		}
	}
}

// evictOldestLocked removes the least recently used client. Callers hold rl.mu.
func (rl *InMemoryRateLimiter) evictOldestLocked() {
	var (
		oldestID   string
		oldestTime time.Time
	)

	for clientID, client := range rl.perClient {
		if oldestID == "" || client.lastAccess.Before(oldestTime) {
			oldestID = clientID
			oldestTime = client.lastAccess
		}
	}

	if oldestID != "" {
		delete(rl.perClient, oldestID)
	}
}

// RateLimit creates a middleware enforcing the limiter, keyed by client IP.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientAddress(r)

			if !limiter.Allow(clientID) {
				logger.Warn("Rate limited request",
					slog.String("path", r.URL.Path),
					slog.String("client", clientID),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeEnvelope(w, http.StatusTooManyRequests, "RATE_LIMITED",
					"Too many requests, slow down")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientAddress extracts the client host from the request.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
