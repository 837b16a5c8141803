package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(handler)
	defer ts.Close()

	client := ts.Client()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(ts.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "within burst limit")
		assert.NoError(t, resp.Body.Close())
	}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "exceeded burst")
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.NoError(t, resp.Body.Close())

	time.Sleep(1100 * time.Millisecond)

	resp, err = client.Get(ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "refilled token")
	assert.NoError(t, resp.Body.Close())
}

func TestCorrelationMiddleware(t *testing.T) {
	var seen string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.NotEmpty(t, seen, "id generated when absent")
	assert.Equal(t, seen, w.Header().Get("X-Correlation-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-7")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "corr-7", seen)
	assert.Equal(t, "corr-7", w.Header().Get("X-Correlation-ID"))
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	store := NewIdempotencyStore(10 * time.Millisecond)
	store.Set("k", http.StatusAccepted, http.Header{}, []byte(`{"ok":true}`))

	cached, ok := store.Check("k")
	require.True(t, ok)
	assert.Equal(t, http.StatusAccepted, cached.StatusCode)

	time.Sleep(20 * time.Millisecond)
	_, ok = store.Check("k")
	assert.False(t, ok, "entries expire after the TTL")
}
