// Package config loads environment variables into the typed Config used across the bot.
// Optional settings get defaults so the binary runs locally with only the Twitch app
// credentials and the database settings present.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultHTTPAddr              = ":4343"
	DefaultOAuthRedirectURL      = "http://localhost:4343/oauth/callback"
	DefaultOAuthScopes           = "user:read:chat user:write:chat user:bot channel:bot chat:read chat:edit"
	DefaultCommandPrefix         = "!"
	DefaultEventSubURL           = "wss://eventsub.wss.twitch.tv/ws"
	DefaultTokenValidateInterval = time.Hour
	DefaultBootConcurrency       = 4
	DefaultChatRatePerSec        = 1.5
)

type Config struct {
	// Twitch application identity
	TwitchClientID     string `koanf:"twitch_client_id" validate:"required"`
	TwitchClientSecret string `koanf:"twitch_client_secret" validate:"required"`
	BotID              string `koanf:"twitch_bot_id" validate:"required,numeric"`
	OwnerID            string `koanf:"twitch_owner_id" validate:"required,numeric"`

	// Database
	DBHost string `koanf:"db_host" validate:"required"`
	DBPort int    `koanf:"db_port" validate:"required,min=1,max=65535"`
	DBUser string `koanf:"bugbot_db_user" validate:"required"`
	DBPass string `koanf:"bugbot_db_pass" validate:"required"`
	DBName string `koanf:"postgres_db" validate:"required"`

	// Logging
	LogLevel  string `koanf:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"omitempty,oneof=text json"`

	// HTTP / OAuth
	HTTPAddr         string `koanf:"http_addr"`
	OAuthRedirectURL string `koanf:"oauth_redirect_url" validate:"url"`
	OAuthScopes      string `koanf:"oauth_scopes"`

	// Bot behaviour
	CommandPrefix         string        `koanf:"command_prefix" validate:"required"`
	EncryptionKey         string        `koanf:"encryption_key" validate:"omitempty,base64"`
	EventSubURL           string        `koanf:"eventsub_url" validate:"url"`
	TokenValidateInterval time.Duration `koanf:"token_validate_interval" validate:"min=0"`
	BootConcurrency       int           `koanf:"boot_concurrency" validate:"min=1,max=64"`
	ChatRatePerSec        float64       `koanf:"chat_rate_per_sec" validate:"gt=0"`

	// Links printed by the socials command
	SocialDiscord string `koanf:"social_discord" validate:"omitempty,url"`
	SocialYouTube string `koanf:"social_youtube" validate:"omitempty,url"`
	SocialTwitch  string `koanf:"social_twitch" validate:"omitempty,url"`

	// Tracing
	OTLPEndpoint string `koanf:"otel_exporter_otlp_endpoint"`
}

// Load reads the process environment. Use LoadFrom in tests.
func Load() (*Config, error) { return LoadFrom(os.Environ) }

// LoadFrom reads configuration from the given environment, applies defaults and validates
// the result. Validation errors name the offending environment variables.
func LoadFrom(environ func() []string) (*Config, error) {
	k := koanf.New(".")
	provider := env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(key), strings.TrimSpace(value)
		},
		EnvironFunc: environ,
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.OAuthRedirectURL == "" {
		c.OAuthRedirectURL = DefaultOAuthRedirectURL
	}
	if c.OAuthScopes == "" {
		c.OAuthScopes = DefaultOAuthScopes
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
	if c.EventSubURL == "" {
		c.EventSubURL = DefaultEventSubURL
	}
	if c.TokenValidateInterval == 0 {
		c.TokenValidateInterval = DefaultTokenValidateInterval
	}
	if c.BootConcurrency == 0 {
		c.BootConcurrency = DefaultBootConcurrency
	}
	if c.ChatRatePerSec == 0 {
		c.ChatRatePerSec = DefaultChatRatePerSec
	}
}

// Validate checks struct tags and reports failures by environment variable name.
func (c *Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.ToUpper(f.Tag.Get("koanf"))
	})
	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var missing, bad []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		bad = append(bad, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required env: %s", strings.Join(missing, ", ")))
	}
	if len(bad) > 0 {
		errs = append(errs, fmt.Errorf("malformed env: %s", strings.Join(bad, ", ")))
	}
	return errors.Join(errs...)
}

// Scopes returns the OAuth scopes requested from users.
func (c *Config) Scopes() []string { return strings.Fields(c.OAuthScopes) }

// DatabaseURL builds the pgx connection string from the discrete DB settings.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPass),
		Host:     net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
