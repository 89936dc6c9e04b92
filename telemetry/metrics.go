// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	AuthorizationsTotal      *prometheus.CounterVec // result=ok|validation_failed|persist_failed|no_user
	RegistrationsTotal       *prometheus.CounterVec // source=boot|validator, result=ok|failed
	SubscriptionsTotal       *prometheus.CounterVec // type, result=ok|failed
	ChatMessagesTotal        prometheus.Counter
	CommandsTotal            *prometheus.CounterVec // command
	EventSubReconnects       prometheus.Counter
	StoreUpsertFailures      prometheus.Counter
	SubscriptionRevokedTotal prometheus.Counter

	// Histograms (seconds)
	AuthorizationDuration prometheus.Observer
	BootDuration          prometheus.Observer

	// Gauges
	CachedCredentials prometheus.Gauge
	EventSubConnected prometheus.Gauge // 1=connected,0=disconnected
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bugbot_authorizations_total", Help: "Authorization callbacks handled, by result"}, []string{"result"})
		RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bugbot_token_registrations_total", Help: "Stored token re-registrations, by source and result"}, []string{"source", "result"})
		SubscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bugbot_subscriptions_total", Help: "EventSub subscription requests, by type and result"}, []string{"type", "result"})
		ChatMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bugbot_chat_messages_total", Help: "Chat messages received"})
		CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bugbot_commands_total", Help: "Chat commands invoked"}, []string{"command"})
		EventSubReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bugbot_eventsub_reconnects_total", Help: "EventSub websocket reconnects"})
		StoreUpsertFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bugbot_token_upsert_failures_total", Help: "Failed token upserts"})
		SubscriptionRevokedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "bugbot_subscriptions_revoked_total", Help: "Subscriptions revoked by the platform"})
		AuthorizationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bugbot_authorization_duration_seconds", Help: "Authorization callback duration seconds", Buckets: prometheus.DefBuckets})
		BootDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bugbot_boot_priming_duration_seconds", Help: "Startup token priming duration seconds", Buckets: prometheus.DefBuckets})
		CachedCredentials = promauto.NewGauge(prometheus.GaugeOpts{Name: "bugbot_cached_credentials", Help: "Credentials currently held in memory"})
		EventSubConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "bugbot_eventsub_connected", Help: "EventSub session connected=1 disconnected=0"})
	})
}

// IncVec increments the labelled counter if metrics are initialized.
func IncVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetCachedCredentials records the cache size.
func SetCachedCredentials(n int) {
	if CachedCredentials != nil {
		CachedCredentials.Set(float64(n))
	}
}

// UpdateConnectedGauge sets gauge to 1 if connected else 0.
func UpdateConnectedGauge(connected bool) {
	if EventSubConnected == nil {
		return
	}
	if connected {
		EventSubConnected.Set(1)
	} else {
		EventSubConnected.Set(0)
	}
}

// Since records the elapsed time since start in obs if non-nil.
func Since(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
