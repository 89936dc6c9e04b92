// Package oauth keeps cached Twitch user tokens alive. Twitch requires every app holding
// user tokens to validate them at least hourly, so a jittered loop re-registers each
// cached credential with the transport, which validates and refreshes as needed.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/telemetry"
)

// CredentialLister yields the credentials to validate on each pass.
type CredentialLister interface {
	Snapshot() []bot.Credential
}

// RegisterFunc validates a token pair and refreshes the cache entry for its owner.
type RegisterFunc func(ctx context.Context, accessToken, refreshToken string) (bot.ValidatedToken, error)

// ValidateAll re-registers every credential once and returns how many failed.
func ValidateAll(ctx context.Context, src CredentialLister, register RegisterFunc) int {
	failed := 0
	for _, cred := range src.Snapshot() {
		if ctx.Err() != nil {
			return failed
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := register(ctx2, cred.AccessToken, cred.RefreshToken)
		cancel()
		if err != nil {
			failed++
			telemetry.IncVec(telemetry.RegistrationsTotal, "validator", "failed")
			slog.Warn("token validation failed", slog.String("user_id", cred.UserID), slog.Any("err", err))
			continue
		}
		telemetry.IncVec(telemetry.RegistrationsTotal, "validator", "ok")
	}
	return failed
}

// StartValidator launches a goroutine that calls ValidateAll roughly every interval until
// ctx is done.
func StartValidator(ctx context.Context, interval time.Duration, src CredentialLister, register RegisterFunc) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep(interval)):
			}
			n := len(src.Snapshot())
			failed := ValidateAll(ctx, src, register)
			slog.Info("token validation pass complete", slog.Int("tokens", n), slog.Int("failed", failed))
		}
	}()
}

// nextSleep spreads wakeups by up to 20% either side of interval, never below half of it.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: scheduling jitter only
	jitter := time.Duration(rand.Int64N(jitterRange*2) - jitterRange)
	d := interval + jitter
	if d < interval/2 {
		d = interval / 2
	}
	return d
}
