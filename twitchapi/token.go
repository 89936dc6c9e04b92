package twitchapi

import (
	"context"
	"errors"
	"sync"
	"time"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens cannot create websocket subscriptions or chat; they serve lookups only.
type AppTokenSource struct {
	Client *Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *AppTokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *AppTokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.Client == nil || ts.Client.opts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, ttl, err := ts.Client.requestAppToken()
	if err != nil {
		return "", err
	}
	ts.token = tok
	ts.expiresAt = time.Now().Add(ttl)
	return ts.token, nil
}
