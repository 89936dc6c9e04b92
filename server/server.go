// Package server exposes the bot's HTTP surface: the OAuth authorize/callback pair that
// feeds authorizations into the bot, liveness and readiness probes, and Prometheus metrics.
// Requests carry a correlation id in their context for logging and tracing.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/telemetry"
	"github.com/onnwee/bugbot/twitchapi"
)

// Pinger reports whether the token database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CredentialCounter reports how many credentials are cached.
type CredentialCounter interface {
	Len() int
}

// Dispatcher accepts bot events; *bot.Bot satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev bot.Event) error
}

// TokenValidator resolves the owner of a freshly exchanged token.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken, refreshToken string) (bot.ValidatedToken, error)
}

// ExchangeFunc trades an authorization code for a token pair.
type ExchangeFunc func(ctx context.Context, code string) (access, refresh string, err error)

// Options wires the server to the rest of the bot.
type Options struct {
	DB          Pinger
	Credentials CredentialCounter
	Bot         Dispatcher
	// Validator is optional. Without it the callback leaves the user id for the bot to resolve.
	Validator TokenValidator
	OAuth     *oauth2.Config
	// Exchange defaults to twitchapi.Exchange against OAuth.
	Exchange  ExchangeFunc
	RateLimit RateLimitConfig
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate limiter's
// cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	if opts.Exchange == nil && opts.OAuth != nil {
		cfg := opts.OAuth
		opts.Exchange = func(ctx context.Context, code string) (string, string, error) {
			return twitchapi.Exchange(ctx, cfg, code)
		}
	}
	h := NewHandlers(opts)
	limiter := newIPRateLimiter(ctx, opts.RateLimit)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /oauth/authorize", rateLimitMiddleware(http.HandlerFunc(h.HandleAuthorize), limiter))
	mux.Handle("GET /oauth/callback", rateLimitMiddleware(http.HandlerFunc(h.HandleCallback), limiter))
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	return withCorrelation(mux)
}

// withCorrelation reuses or generates X-Correlation-ID and wraps the request in a span.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, opts Options) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, opts),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
