package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerIP(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), RateLimitConfig{PerMinute: 1, Burst: 2})

	assert.True(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("1.1.1.1"))
	assert.False(t, rl.allow("1.1.1.1"))
	assert.True(t, rl.allow("2.2.2.2"))
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), RateLimitConfig{})
	for range 100 {
		assert.True(t, rl.allow("1.1.1.1"))
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), RateLimitConfig{PerMinute: 60})
	rl.allow("1.1.1.1")

	rl.cleanup(time.Now().Add(-time.Minute))
	assert.Equal(t, 1, rl.visitors.Size())

	rl.cleanup(time.Now().Add(time.Second))
	assert.Equal(t, 0, rl.visitors.Size())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newIPRateLimiter(context.Background(), RateLimitConfig{PerMinute: 1, Burst: 1})
	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), rl)

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"10.0.0.1:5555", "", "10.0.0.1"},
		{"10.0.0.1:5555", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"[::1]:80", "", "::1"},
		{"10.0.0.1", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			r.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		assert.Equal(t, tt.want, clientIP(r))
	}
}

func TestOAuthStateStore(t *testing.T) {
	h := NewHandlers(Options{})

	assert.True(t, h.addOAuthState("live", time.Now().Add(time.Minute)))
	assert.True(t, h.addOAuthState("stale", time.Now().Add(-time.Minute)))

	assert.False(t, h.takeOAuthState("stale"))
	assert.True(t, h.takeOAuthState("live"))
	assert.False(t, h.takeOAuthState("live"))
}
