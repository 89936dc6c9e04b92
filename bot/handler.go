package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/onnwee/bugbot/telemetry"
)

var (
	// ErrValidation wraps failures of the identity validation call.
	ErrValidation = errors.New("token validation failed")
	// ErrNoUserID is returned when neither validation nor the grant resolved a user.
	ErrNoUserID = errors.New("no user id resolvable for token")
)

const defaultPersistTimeout = 10 * time.Second

// TokenStore is the durable user_id -> credential mapping.
type TokenStore interface {
	Initialize(ctx context.Context) error
	Upsert(ctx context.Context, userID, accessToken, refreshToken string) error
	LoadAll(ctx context.Context) ([]Credential, error)
}

// TokenValidator validates a token pair against the platform and registers it with the
// transport's authentication layer.
type TokenValidator interface {
	AddToken(ctx context.Context, accessToken, refreshToken string) (ValidatedToken, error)
}

// AuthorizationHandler runs validate -> persist -> cache -> subscribe for new grants.
// It is safe for concurrent use.
type AuthorizationHandler struct {
	validator TokenValidator
	store     TokenStore
	cache     *Cache
	subs      *SubscriptionManager

	// per-user locks keep the durable row and the cached value on the same write
	locks          *xsync.MapOf[string, *sync.Mutex]
	persistTimeout time.Duration
}

// NewAuthorizationHandler wires the handler's collaborators.
func NewAuthorizationHandler(v TokenValidator, store TokenStore, cache *Cache, subs *SubscriptionManager) *AuthorizationHandler {
	return &AuthorizationHandler{
		validator:      v,
		store:          store,
		cache:          cache,
		subs:           subs,
		locks:          xsync.NewMapOf[string, *sync.Mutex](),
		persistTimeout: defaultPersistTimeout,
	}
}

// Handle processes a completed authorization. A validation failure is returned wrapped in
// ErrValidation and nothing is stored. A failed upsert is logged and returned, but the
// credential is still cached and the subscription step still runs.
func (h *AuthorizationHandler) Handle(ctx context.Context, ev AuthorizationCompleted) error {
	start := time.Now()
	defer telemetry.Since(telemetry.AuthorizationDuration, start)

	ctx, span := telemetry.StartSpan(ctx, "authorization.handle")
	defer span.End()

	v, err := h.register(ctx, ev.AccessToken, ev.RefreshToken, ev.UserID)
	switch {
	case errors.Is(err, ErrValidation):
		telemetry.IncVec(telemetry.AuthorizationsTotal, "validation_failed")
		telemetry.RecordError(span, err)
		return err
	case errors.Is(err, ErrNoUserID):
		telemetry.IncVec(telemetry.AuthorizationsTotal, "no_user")
		slog.Warn("authorization without user id; token not stored", slog.String("component", "auth"))
		return nil
	}
	persistErr := err
	if persistErr != nil {
		telemetry.IncVec(telemetry.AuthorizationsTotal, "persist_failed")
		telemetry.RecordError(span, persistErr)
	} else {
		telemetry.IncVec(telemetry.AuthorizationsTotal, "ok")
	}
	span.SetAttributes(telemetry.UserIDAttr(v.UserID))

	descs := h.subs.ForAuthorization(v.UserID)
	if len(descs) == 0 {
		slog.Debug("no subscriptions for authorized user", slog.String("user_id", v.UserID), slog.String("component", "auth"))
		return persistErr
	}
	if res := h.subs.SubscribeMany(ctx, descs); res.Failed() {
		slog.Warn("Failed to subscribe for authorized user",
			slog.String("user_id", v.UserID),
			slog.Any("errors", errorStrings(res.Errors)),
			slog.String("component", "auth"))
	}
	return persistErr
}

// Register validates a token pair, persists it and caches it. It never subscribes.
func (h *AuthorizationHandler) Register(ctx context.Context, accessToken, refreshToken string) (ValidatedToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "authorization.register")
	defer span.End()
	v, err := h.register(ctx, accessToken, refreshToken, "")
	telemetry.RecordError(span, err)
	return v, err
}

func (h *AuthorizationHandler) register(ctx context.Context, accessToken, refreshToken, hintUserID string) (ValidatedToken, error) {
	v, err := h.validator.AddToken(ctx, accessToken, refreshToken)
	if err != nil {
		return ValidatedToken{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if v.UserID == "" {
		v.UserID = hintUserID
	}
	if v.UserID == "" {
		return v, ErrNoUserID
	}
	if v.AccessToken == "" {
		v.AccessToken = accessToken
	}
	if v.RefreshToken == "" {
		v.RefreshToken = refreshToken
	}
	return v, h.persistAndCache(ctx, v.Credential())
}

func (h *AuthorizationHandler) persistAndCache(ctx context.Context, cred Credential) error {
	mu, _ := h.locks.LoadOrCompute(cred.UserID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()

	// the write may finish after the caller's context is cancelled (shutdown)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.persistTimeout)
	defer cancel()

	var persistErr error
	if err := h.store.Upsert(wctx, cred.UserID, cred.AccessToken, cred.RefreshToken); err != nil {
		telemetry.Inc(telemetry.StoreUpsertFailures)
		slog.Error("failed to save token", slog.String("user_id", cred.UserID), slog.Any("err", err), slog.String("component", "auth"))
		persistErr = fmt.Errorf("persist token for user %s: %w", cred.UserID, err)
	} else {
		slog.Info("Saved token for user", slog.String("user_id", cred.UserID), slog.String("component", "auth"))
	}

	h.cache.Set(cred.UserID, cred)
	telemetry.SetCachedCredentials(h.cache.Len())
	return persistErr
}

func errorStrings(errs map[Descriptor]error) map[string]string {
	out := make(map[string]string, len(errs))
	for d, err := range errs {
		out[d.String()] = err.Error()
	}
	return out
}
