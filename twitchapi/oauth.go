package twitchapi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// OAuthConfig builds the authorization code grant configuration for Twitch.
func OAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     twitch.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// AuthorizeURL returns the consent URL for state. forceVerify makes Twitch show the
// consent screen even for an existing grant, which is how a second account signs in.
func AuthorizeURL(cfg *oauth2.Config, state string, forceVerify bool, scopes []string) string {
	c := *cfg
	if len(scopes) > 0 {
		c.Scopes = scopes
	}
	var opts []oauth2.AuthCodeOption
	if forceVerify {
		opts = append(opts, oauth2.SetAuthURLParam("force_verify", "true"))
	}
	return c.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a token pair.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string) (access, refresh string, err error) {
	if code == "" {
		return "", "", errors.New("missing authorization code")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("twitch auth code exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, tok.RefreshToken, nil
}
