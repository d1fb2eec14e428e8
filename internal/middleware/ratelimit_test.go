package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/screenlink/internal/httputil"
)

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			allowed, remaining, _ := limiter.Check(ctx, "ip-1", 10)
			assert.True(t, allowed)
			assert.Equal(t, 10-i-1, remaining)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-2", 5)
		}

		allowed, remaining, _ := limiter.Check(ctx, "ip-2", 5)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("tracks keys separately", func(t *testing.T) {
		limiter := NewRateLimiter()

		for i := 0; i < 5; i++ {
			limiter.Check(ctx, "ip-a", 5)
		}

		allowed, _, _ := limiter.Check(ctx, "ip-b", 5)
		assert.True(t, allowed)
	})

	t.Run("returns reset time", func(t *testing.T) {
		limiter := NewRateLimiter()

		_, _, resetAt := limiter.Check(ctx, "ip-3", 10)
		assert.Greater(t, resetAt, int64(0))
	})
}

func TestIPRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("sets rate limit headers", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewRateLimiter(), 10, "approve").Handler(ok)

		req := httptest.NewRequest("POST", "/v1/pairing/approve", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("returns 429 with failure body when limited", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewRateLimiter(), 2, "approve").Handler(ok)

		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body httputil.FailureResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.False(t, body.OK)
		assert.Equal(t, "rate_limit_exceeded", string(body.Reason))
	})

	t.Run("keys by forwarded client ip", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewRateLimiter(), 1, "approve").Handler(ok)

		first := httptest.NewRequest("POST", "/", nil)
		first.Header.Set("X-Forwarded-For", "10.0.0.1, 192.168.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, first)
		require.Equal(t, http.StatusOK, rec.Code)

		other := httptest.NewRequest("POST", "/", nil)
		other.Header.Set("X-Forwarded-For", "10.0.0.2")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, other)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("zero limit disables limiting", func(t *testing.T) {
		handler := NewIPRateLimitMiddleware(NewRateLimiter(), 0, "approve").Handler(ok)
		for i := 0; i < 20; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
