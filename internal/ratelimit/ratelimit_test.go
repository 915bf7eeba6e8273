package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maryamyalansari-spec/onboarding-platform/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func keyFromHeader(r *http.Request) string {
	return r.Header.Get("X-Test-Key")
}

func TestMiddlewareEnforcesLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer limiter.Close() //nolint:errcheck

	handler := ratelimit.Middleware(limiter, "test", keyFromHeader, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Test-Key", "client-a")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareSeparatePrefixesSeparateBuckets(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer limiter.Close() //nolint:errcheck

	authHandler := ratelimit.Middleware(limiter, "auth", keyFromHeader, nil)(okHandler())
	queryHandler := ratelimit.Middleware(limiter, "query", keyFromHeader, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Test-Key", "client-a")

	rec := httptest.NewRecorder()
	authHandler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	authHandler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The query bucket is untouched by the auth bucket's exhaustion.
	rec = httptest.NewRecorder()
	queryHandler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer limiter.Close() //nolint:errcheck

	handler := ratelimit.Middleware(limiter, "test", func(*http.Request) string { return "" }, nil)(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterDisabled(t *testing.T) {
	handler := ratelimit.Middleware(nil, "test", keyFromHeader, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Test-Key", "client-a")
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareRequestIDInErrorEnvelope(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	defer limiter.Close() //nolint:errcheck

	reqIDFunc := func(*http.Request) string { return "req-123" }
	handler := ratelimit.Middleware(limiter, "test", keyFromHeader, reqIDFunc)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Test-Key", "client-a")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "req-123")
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:52114"
	assert.Equal(t, "203.0.113.7", ratelimit.IPKeyFunc(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "[2001:db8::1]", ratelimit.IPKeyFunc(req))
}
