package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds OAuth requests per client IP. A zero PerMinute disables limiting.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	visitors *xsync.MapOf[string, *visitor]
	cfg      RateLimitConfig
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func newIPRateLimiter(ctx context.Context, cfg RateLimitConfig) *ipRateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(cfg.PerMinute/6, 1)
	}
	rl := &ipRateLimiter{visitors: xsync.NewMapOf[string, *visitor](), cfg: cfg}
	if cfg.PerMinute > 0 {
		go rl.cleanupLoop(ctx)
	}
	return rl
}

// cleanupLoop periodically removes stale visitor entries
func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now().Add(-3 * time.Minute))
		case <-ctx.Done():
			return
		}
	}
}

// cleanup drops visitors not seen since cutoff.
func (rl *ipRateLimiter) cleanup(cutoff time.Time) {
	rl.visitors.Range(func(ip string, v *visitor) bool {
		if v.lastSeen.Load() < cutoff.UnixNano() {
			rl.visitors.Delete(ip)
		}
		return true
	})
}

// allow reports whether a request from ip may proceed.
func (rl *ipRateLimiter) allow(ip string) bool {
	if rl.cfg.PerMinute <= 0 {
		return true
	}
	v, _ := rl.visitors.LoadOrCompute(ip, func() *visitor {
		return &visitor{limiter: rate.NewLimiter(rate.Limit(float64(rl.cfg.PerMinute)/60), rl.cfg.Burst)}
	})
	v.lastSeen.Store(time.Now().UnixNano())
	return v.limiter.Allow()
}

// rateLimitMiddleware rejects callers that exceed their per-IP budget with 429.
func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop and strips any port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip, _, _ = strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
