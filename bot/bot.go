package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/bugbot/telemetry"
)

// ErrNotPrimed is returned by Run and Dispatch before Prime has built the transport.
var ErrNotPrimed = errors.New("bot not primed")

const defaultBootConcurrency = 4

// CredentialSource is the read side of the credential cache, consulted by the transport
// before authenticated calls.
type CredentialSource interface {
	Get(userID string) (Credential, bool)
	Snapshot() []Credential
}

// Transport is the platform client: token validation, subscription creation and the
// event loop.
type Transport interface {
	TokenValidator
	Subscriber
	// Start serves the event loop until ctx ends. With loadTokens the transport loads its
	// own token state; the bot always passes false because it primes tokens itself.
	Start(ctx context.Context, loadTokens bool) error
}

// TransportConfig is everything a transport needs at construction.
type TransportConfig struct {
	Identity             Identity
	Prefix               string
	InitialSubscriptions []Descriptor
	// ForceSubscribe re-issues every desired subscription on each new session, including
	// those whose broadcaster has no cached credential yet.
	ForceSubscribe bool
	Credentials    CredentialSource
	Callbacks      Callbacks
}

// TransportFactory builds a transport from its configuration.
type TransportFactory func(cfg TransportConfig) (Transport, error)

// Options configures a Bot.
type Options struct {
	Identity        Identity
	Prefix          string
	Store           TokenStore
	NewTransport    TransportFactory
	Messages        MessageHandler
	BootConcurrency int
	// Cache is optional; collaborators built before the bot (the chat sender) can share it.
	Cache *Cache
}

// Bot sequences startup and routes events between the transport and the handlers.
type Bot struct {
	identity     Identity
	prefix       string
	store        TokenStore
	cache        *Cache
	newTransport TransportFactory
	messages     MessageHandler
	concurrency  int

	transport Transport
	subs      *SubscriptionManager
	auth      *AuthorizationHandler
}

// New returns an unprimed bot.
func New(opts Options) (*Bot, error) {
	if opts.Store == nil {
		return nil, errors.New("bot: token store is required")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("bot: transport factory is required")
	}
	if opts.Identity.BotUserID == "" {
		return nil, errors.New("bot: bot user id is required")
	}
	n := opts.BootConcurrency
	if n <= 0 {
		n = defaultBootConcurrency
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewCache()
	}
	return &Bot{
		identity:     opts.Identity,
		prefix:       opts.Prefix,
		store:        opts.Store,
		cache:        cache,
		newTransport: opts.NewTransport,
		messages:     opts.Messages,
		concurrency:  n,
	}, nil
}

// Cache exposes the credential cache.
func (b *Bot) Cache() *Cache { return b.cache }

// Prime runs the startup sequence up to, but not including, the event loop: initialize the
// store, load credentials, derive the initial subscriptions, build the transport and
// re-register every stored credential. Store failures are returned and are fatal for the
// caller. A credential that fails to register is logged and skipped.
func (b *Bot) Prime(ctx context.Context) error {
	start := time.Now()
	defer telemetry.Since(telemetry.BootDuration, start)

	ctx, span := telemetry.StartSpan(ctx, "bot.prime")
	defer span.End()

	if err := b.store.Initialize(ctx); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("initialize token store: %w", err)
	}
	creds, err := b.store.LoadAll(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("load tokens: %w", err)
	}
	initial := DeriveInitialSubscriptions(creds, b.identity.BotUserID)
	slog.Info("loaded stored tokens", slog.Int("tokens", len(creds)), slog.Int("subscriptions", len(initial)), slog.String("component", "boot"))

	t, err := b.newTransport(TransportConfig{
		Identity:             b.identity,
		Prefix:               b.prefix,
		InitialSubscriptions: initial,
		ForceSubscribe:       true,
		Credentials:          b.cache,
		Callbacks:            b.callbacks(),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("build transport: %w", err)
	}
	b.transport = t
	b.subs = NewSubscriptionManager(t, b.identity.BotUserID)
	b.auth = NewAuthorizationHandler(t, b.store, b.cache, b.subs)

	b.registerAll(ctx, creds)
	telemetry.SetSpanSuccess(span)
	return nil
}

func (b *Bot) registerAll(ctx context.Context, creds []Credential) {
	var (
		g      errgroup.Group
		failed atomic.Int64
	)
	g.SetLimit(b.concurrency)
	for _, c := range creds {
		g.Go(func() error {
			if _, err := b.auth.Register(ctx, c.AccessToken, c.RefreshToken); err != nil {
				failed.Add(1)
				telemetry.IncVec(telemetry.RegistrationsTotal, "boot", "failed")
				slog.Warn("failed to register stored token", slog.String("user_id", c.UserID), slog.Any("err", err), slog.String("component", "boot"))
				return nil
			}
			telemetry.IncVec(telemetry.RegistrationsTotal, "boot", "ok")
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("registered stored tokens",
		slog.Int("total", len(creds)),
		slog.Int64("failed", failed.Load()),
		slog.String("component", "boot"))
}

// Run blocks in the transport's event loop until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.transport == nil {
		return ErrNotPrimed
	}
	return b.transport.Start(ctx, false)
}

// Register validates, stores and caches a token pair without subscribing.
func (b *Bot) Register(ctx context.Context, accessToken, refreshToken string) (ValidatedToken, error) {
	if b.auth == nil {
		return ValidatedToken{}, ErrNotPrimed
	}
	return b.auth.Register(ctx, accessToken, refreshToken)
}

// Dispatch routes one event to its handler.
func (b *Bot) Dispatch(ctx context.Context, ev Event) error {
	if b.auth == nil {
		return ErrNotPrimed
	}
	switch e := ev.(type) {
	case AuthorizationCompleted:
		return b.auth.Handle(ctx, e)
	case ChatMessage:
		b.handleMessage(ctx, e)
		return nil
	case SubscriptionRevoked:
		b.handleRevocation(e)
		return nil
	default:
		return fmt.Errorf("bot: unhandled event %T", ev)
	}
}

func (b *Bot) callbacks() Callbacks {
	return Callbacks{
		OnAuthorization: func(ctx context.Context, ev AuthorizationCompleted) error { return b.Dispatch(ctx, ev) },
		OnMessage:       func(ctx context.Context, ev ChatMessage) { _ = b.Dispatch(ctx, ev) },
		OnRevocation:    func(ctx context.Context, ev SubscriptionRevoked) { _ = b.Dispatch(ctx, ev) },
		OnReady: func(ctx context.Context) {
			slog.Info("Successfully logged in as", slog.String("bot_id", b.identity.BotUserID), slog.String("component", "bot"))
		},
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg ChatMessage) {
	telemetry.Inc(telemetry.ChatMessagesTotal)
	slog.Info(fmt.Sprintf("[%s] - %s: %s", msg.BroadcasterLogin, msg.ChatterLogin, msg.Text), slog.String("component", "chat"))
	// The bot never answers its own lines.
	if msg.ChatterID == b.identity.BotUserID {
		return
	}
	if b.messages != nil {
		b.messages.HandleMessage(ctx, msg)
	}
}

func (b *Bot) handleRevocation(ev SubscriptionRevoked) {
	telemetry.Inc(telemetry.SubscriptionRevokedTotal)
	slog.Warn("subscription revoked",
		slog.String("type", string(ev.Descriptor.Type)),
		slog.String("user_id", ev.Descriptor.BroadcasterUserID),
		slog.String("reason", ev.Reason),
		slog.String("component", "bot"))
}
