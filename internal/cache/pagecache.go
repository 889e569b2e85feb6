package cache

import (
	"bytes"
	"crypto/md5" //nolint:gosec // cache key derivation, not a security boundary
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Cache key locale and timezone suffixes. The API serves a single locale;
// the suffixes keep the key scheme stable if that ever changes.
const (
	cacheLocale = "en-us"
	cacheTZ     = "UTC"

	// DefaultPageTTL is how long cached list pages live without being
	// invalidated first.
	DefaultPageTTL = 15 * time.Minute

	// StatsTTL is the TTL of the bulk-run stats cache.
	StatsTTL = 5 * time.Minute
)

type (
	// cachedResponse is the serialized shape of a cached page.
	cachedResponse struct {
		Status      int    `json:"status"`
		ContentType string `json:"contentType"`
		Body        []byte `json:"body"`
	}

	// PageCache caches whole GET responses of list views under the
	// pattern-evictable key scheme.
	PageCache struct {
		store  Store
		ttl    time.Duration
		logger *slog.Logger
	}

	// recorder buffers a handler's response for caching.
	recorder struct {
		http.ResponseWriter
		status int
		body   bytes.Buffer
	}
)

// NewPageCache creates a page cache over a backend. A nil backend disables
// caching: the middleware becomes a passthrough.
func NewPageCache(store Store, ttl time.Duration, logger *slog.Logger) *PageCache {
	return &PageCache{store: store, ttl: ttl, logger: logger}
}

// Middleware wraps a list handler with response caching keyed by view id,
// path, and query string. Only 200 responses are cached.
func (p *PageCache) Middleware(viewID string, next http.HandlerFunc) http.HandlerFunc {
	if p == nil || p.store == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		key := PageKey(viewID, r.URL.Path, r.URL.RawQuery)

		if raw, ok := p.store.Get(r.Context(), key); ok {
			var cached cachedResponse

			if err := json.Unmarshal(raw, &cached); err == nil {
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)

				return
			}
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status != http.StatusOK {
			return
		}

		raw, err := json.Marshal(cachedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			return
		}

		if err := p.store.Set(r.Context(), key, raw, p.ttl); err != nil {
			p.logger.Warn("Failed to cache list response",
				slog.String("view", viewID),
				slog.String("error", err.Error()),
			)

			return
		}

		// The mirrored header key participates in pattern eviction.
		headerKey := HeaderKey(viewID, r.URL.Path)
		_ = p.store.Set(r.Context(), headerKey, []byte(rec.Header().Get("Content-Type")), p.ttl)
	}
}

// PageKey renders the cache key of a list page.
func PageKey(viewID, path, query string) string {
	return "cache.page." + viewID + ".GET." + hash(path) + "." + hash(query) +
		"." + cacheLocale + "." + cacheTZ
}

// HeaderKey renders the mirrored header cache key.
func HeaderKey(viewID, path string) string {
	return "cache.header." + viewID + "." + hash(path) + "." + cacheLocale + "." + cacheTZ
}

func hash(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // cache key derivation

	return hex.EncodeToString(sum[:])
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(data []byte) (int, error) {
	r.body.Write(data)

	return r.ResponseWriter.Write(data)
}
