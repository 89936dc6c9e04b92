// Package twitchapi talks to Twitch: token validation and refresh, EventSub subscription
// creation and user lookups through Helix, and the websocket transport the bot runs on.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/bugbot/bot"
)

// ErrInvalidToken is returned when a token pair can neither be validated nor refreshed.
var ErrInvalidToken = errors.New("twitch token invalid")

const userAgent = "bugbot"

// APIError is a non-success Helix response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client. APIBaseURL and HTTPClient are for tests and proxies.
type Options struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	HTTPClient   *http.Client
}

// Client wraps Helix. helix.Client keeps per-request state, so every call gets its own.
type Client struct {
	opts Options
}

// NewClient checks the options and returns a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.ClientID == "" {
		return nil, errors.New("twitchapi: client id is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{opts: opts}, nil
}

func (c *Client) helix(userToken, appToken string) (*helix.Client, error) {
	hc, err := helix.NewClient(&helix.Options{
		ClientID:        c.opts.ClientID,
		ClientSecret:    c.opts.ClientSecret,
		UserAccessToken: userToken,
		AppAccessToken:  appToken,
		UserAgent:       userAgent,
		HTTPClient:      c.opts.HTTPClient,
		APIBaseURL:      c.opts.APIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create helix client: %w", err)
	}
	return hc, nil
}

// Validate checks an access token. An invalid access token is refreshed with the refresh
// token and the new pair is validated and returned instead.
func (c *Client) Validate(ctx context.Context, accessToken, refreshToken string) (bot.ValidatedToken, error) {
	if err := ctx.Err(); err != nil {
		return bot.ValidatedToken{}, err
	}
	hc, err := c.helix("", "")
	if err != nil {
		return bot.ValidatedToken{}, err
	}

	ok, resp, err := hc.ValidateToken(accessToken)
	if err != nil {
		return bot.ValidatedToken{}, fmt.Errorf("validate token: %w", err)
	}
	if !ok {
		if refreshToken == "" {
			return bot.ValidatedToken{}, fmt.Errorf("%w: %s", ErrInvalidToken, resp.ErrorMessage)
		}
		if err := ctx.Err(); err != nil {
			return bot.ValidatedToken{}, err
		}
		accessToken, refreshToken, err = c.refresh(hc, refreshToken)
		if err != nil {
			return bot.ValidatedToken{}, err
		}
		ok, resp, err = hc.ValidateToken(accessToken)
		if err != nil {
			return bot.ValidatedToken{}, fmt.Errorf("validate refreshed token: %w", err)
		}
		if !ok {
			return bot.ValidatedToken{}, fmt.Errorf("%w: refreshed token rejected: %s", ErrInvalidToken, resp.ErrorMessage)
		}
	}

	return bot.ValidatedToken{
		UserID:       resp.Data.UserID,
		Login:        resp.Data.Login,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scopes:       resp.Data.Scopes,
		ExpiresIn:    time.Duration(resp.Data.ExpiresIn) * time.Second,
	}, nil
}

func (c *Client) refresh(hc *helix.Client, refreshToken string) (access, refresh string, err error) {
	resp, err := hc.RefreshUserAccessToken(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("refresh token: %w", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Data.AccessToken == "" {
		return "", "", fmt.Errorf("%w: refresh failed: status %d: %s", ErrInvalidToken, resp.StatusCode, resp.ErrorMessage)
	}
	refresh = resp.Data.RefreshToken
	if refresh == "" {
		refresh = refreshToken
	}
	return resp.Data.AccessToken, refresh, nil
}

// Subscribe creates one websocket EventSub subscription authorized by userToken. A
// subscription that already exists counts as success.
func (c *Client) Subscribe(ctx context.Context, d bot.Descriptor, sessionID, userToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hc, err := c.helix(userToken, "")
	if err != nil {
		return err
	}
	resp, err := hc.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:    string(d.Type),
		Version: d.Type.Version(),
		Condition: helix.EventSubCondition{
			BroadcasterUserID: d.BroadcasterUserID,
			UserID:            d.ListenerUserID,
		},
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("create eventsub subscription: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusConflict:
		return nil
	default:
		msg := resp.ErrorMessage
		if msg == "" {
			msg = resp.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// User is a resolved Twitch account.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// LookupUsers resolves logins to accounts using an app access token. Unknown logins are
// absent from the result.
func (c *Client) LookupUsers(ctx context.Context, appToken string, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hc, err := c.helix("", appToken)
	if err != nil {
		return nil, err
	}
	resp, err := hc.GetUsers(&helix.UsersParams{Logins: logins})
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: resp.ErrorMessage}
	}
	out := make([]User, 0, len(resp.Data.Users))
	for _, u := range resp.Data.Users {
		out = append(out, User{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName})
	}
	return out, nil
}

// requestAppToken runs the client credentials grant.
func (c *Client) requestAppToken() (string, time.Duration, error) {
	hc, err := c.helix("", "")
	if err != nil {
		return "", 0, err
	}
	resp, err := hc.RequestAppAccessToken(nil)
	if err != nil {
		return "", 0, fmt.Errorf("request app token: %w", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Data.AccessToken == "" {
		return "", 0, &APIError{StatusCode: resp.StatusCode, Message: resp.ErrorMessage}
	}
	return resp.Data.AccessToken, time.Duration(resp.Data.ExpiresIn) * time.Second, nil
}
