package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/telemetry"
	"github.com/onnwee/bugbot/twitchapi"
)

// HandleAuthorize redirects to the Twitch consent page. Optional query parameters:
// scopes (space or comma separated) overrides the configured scopes, and
// force_verify=true asks Twitch to show the consent screen again, which is how a second
// account signs in from the same browser.
func (h *Handlers) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.opts.OAuth == nil || h.opts.OAuth.ClientID == "" || h.opts.OAuth.RedirectURL == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + OAUTH_REDIRECT_URL)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(stateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	scopes := splitScopes(q.Get("scopes"))
	forceVerify := q.Get("force_verify") == "true"
	http.Redirect(w, r, twitchapi.AuthorizeURL(h.opts.OAuth, st, forceVerify, scopes), http.StatusFound)
}

// HandleCallback completes the grant: it checks state, exchanges the code, resolves the
// user and hands the tokens to the bot as an AuthorizationCompleted event.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		log.Warn("authorization denied", slog.String("error", e), slog.String("description", q.Get("error_description")))
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "denied", "error": e})
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if h.opts.Exchange == nil || h.opts.Bot == nil {
		http.Error(w, "oauth not configured", http.StatusInternalServerError)
		return
	}

	access, refresh, err := h.opts.Exchange(ctx, code)
	if err != nil {
		log.Warn("code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	ev := bot.AuthorizationCompleted{AccessToken: access, RefreshToken: refresh}
	if h.opts.Validator != nil {
		v, err := h.opts.Validator.Validate(ctx, access, refresh)
		if err != nil {
			log.Warn("token validation failed", slog.Any("err", err))
			http.Error(w, "token validation failed", http.StatusBadGateway)
			return
		}
		ev = bot.AuthorizationCompleted{AccessToken: v.AccessToken, RefreshToken: v.RefreshToken, UserID: v.UserID}
	}

	err = h.opts.Bot.Dispatch(ctx, ev)
	switch {
	case errors.Is(err, bot.ErrValidation):
		log.Warn("authorization rejected", slog.Any("err", err))
		http.Error(w, "token validation failed", http.StatusBadGateway)
		return
	case err != nil:
		log.Error("authorization not stored", slog.String("user_id", ev.UserID), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "user_id": ev.UserID})
		return
	}
	log.Info("authorization completed", slog.String("user_id", ev.UserID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user_id": ev.UserID})
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '+' })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
