// Command bugbot is the Twitch chat bot. It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Connects to Postgres and loads every stored user token.
//   - Re-validates those tokens and subscribes to chat for each authorized broadcaster
//     over an EventSub websocket session.
//   - Answers chat commands through the bot account.
//   - Serves /oauth/authorize and /oauth/callback so new users can authorize the bot,
//     plus /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/chat"
	"github.com/onnwee/bugbot/commands"
	"github.com/onnwee/bugbot/config"
	"github.com/onnwee/bugbot/crypto"
	"github.com/onnwee/bugbot/db"
	"github.com/onnwee/bugbot/oauth"
	"github.com/onnwee/bugbot/server"
	"github.com/onnwee/bugbot/telemetry"
	"github.com/onnwee/bugbot/twitchapi"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("bugbot exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "bugbot", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	defer pool.Close()

	sealer, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, tokens are stored in plaintext", slog.String("component", "db"))
	}
	store := db.NewTokenStore(pool, sealer)

	api, err := twitchapi.NewClient(twitchapi.Options{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret})
	if err != nil {
		return err
	}

	cache := bot.NewCache()
	sender := chat.NewSender(cfg.BotID, cache, cfg.ChatRatePerSec, nil)
	defer sender.Close()
	tracker := loginTracker{api: api, botID: cfg.BotID, sender: sender}

	router := commands.NewRouter(cfg.CommandPrefix, sender)
	router.Register(commands.Builtin(commands.Socials{
		Discord: cfg.SocialDiscord,
		YouTube: cfg.SocialYouTube,
		Twitch:  cfg.SocialTwitch,
	})...)

	b, err := bot.New(bot.Options{
		Identity: bot.Identity{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			BotUserID:    cfg.BotID,
			OwnerUserID:  cfg.OwnerID,
		},
		Prefix:          cfg.CommandPrefix,
		Store:           store,
		NewTransport:    twitchapi.Factory(api, cfg.EventSubURL),
		Messages:        router,
		BootConcurrency: cfg.BootConcurrency,
		Cache:           cache,
	})
	if err != nil {
		return err
	}
	if err := b.Prime(ctx); err != nil {
		return err
	}

	register := func(ctx context.Context, access, refresh string) (bot.ValidatedToken, error) {
		v, err := b.Register(ctx, access, refresh)
		if err == nil {
			tracker.observe(v)
		}
		return v, err
	}
	if cred, ok := cache.Get(cfg.BotID); ok {
		if _, err := register(ctx, cred.AccessToken, cred.RefreshToken); err != nil {
			slog.Warn("bot token validation failed, chat replies disabled", slog.Any("err", err), slog.String("component", "chat"))
		}
	} else {
		slog.Warn("bot account has not authorized yet, sign in at /oauth/authorize", slog.String("bot_id", cfg.BotID), slog.String("component", "chat"))
	}
	oauth.StartValidator(ctx, cfg.TokenValidateInterval, cache, register)

	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		err := server.Start(ctx, cfg.HTTPAddr, server.Options{
			DB:          pool,
			Credentials: cache,
			Bot:         b,
			Validator:   tracker,
			OAuth:       twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.OAuthRedirectURL, cfg.Scopes()),
			RateLimit:   server.RateLimitConfig{PerMinute: 30},
		})
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	runErr := b.Run(ctx)
	if ctx.Err() != nil {
		slog.Warn("interrupt received, shutting down")
	}
	stop()
	select {
	case <-srvDone:
	case <-time.After(10 * time.Second):
		slog.Warn("http server did not stop in time")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// setupLogging installs the default slog handler. Level and format are validated by config.
func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// loginTracker validates tokens for the OAuth callback and teaches the chat sender the
// bot's login whenever the bot's own token passes validation.
type loginTracker struct {
	api    *twitchapi.Client
	botID  string
	sender *chat.Sender
}

func (l loginTracker) Validate(ctx context.Context, access, refresh string) (bot.ValidatedToken, error) {
	v, err := l.api.Validate(ctx, access, refresh)
	if err == nil {
		l.observe(v)
	}
	return v, err
}

func (l loginTracker) observe(v bot.ValidatedToken) {
	if v.UserID == l.botID && v.Login != "" {
		l.sender.SetLogin(v.Login)
	}
}
