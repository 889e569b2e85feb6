package cache

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCache_HitAndMiss(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := NewMemoryBackend()
	pageCache := NewPageCache(backend, time.Minute, testLogger())

	var hits atomic.Int32

	handler := pageCache.Middleware(ViewTickerList, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": []}`))
	})

	first := httptest.NewRecorder()
	handler(first, httptest.NewRequest(http.MethodGet, "/tickers?page_size=50", nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int32(1), hits.Load())

	// Second identical request is served from cache.
	second := httptest.NewRecorder()
	handler(second, httptest.NewRequest(http.MethodGet, "/tickers?page_size=50", nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"results": []}`, second.Body.String())

	// A different query string is a different cache key.
	third := httptest.NewRecorder()
	handler(third, httptest.NewRequest(http.MethodGet, "/tickers?page_size=10", nil))
	assert.Equal(t, int32(2), hits.Load())
}

func TestPageCache_ErrorsNotCached(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	backend := NewMemoryBackend()
	pageCache := NewPageCache(backend, time.Minute, testLogger())

	var hits atomic.Int32

	handler := pageCache.Middleware(ViewTickerList, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for range 2 {
		recorder := httptest.NewRecorder()
		handler(recorder, httptest.NewRequest(http.MethodGet, "/tickers", nil))
	}

	assert.Equal(t, int32(2), hits.Load(), "non-200 responses must not be cached")
}

func TestPageCache_NilBackendPassthrough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	pageCache := NewPageCache(nil, time.Minute, testLogger())

	var hits atomic.Int32

	handler := pageCache.Middleware(ViewTickerList, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	for range 2 {
		recorder := httptest.NewRecorder()
		handler(recorder, httptest.NewRequest(http.MethodGet, "/tickers", nil))
	}

	assert.Equal(t, int32(2), hits.Load())
}
