package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/eventsub"
)

var (
	// ErrSessionNotReady is reported for subscriptions requested before a session exists.
	// They stay desired and are issued when the session is welcomed.
	ErrSessionNotReady = errors.New("eventsub session not ready")
	// ErrMissingCredential is reported when the listener has no cached token.
	ErrMissingCredential = errors.New("no cached credential for listener")
)

// Transport runs the bot on an EventSub websocket session and Helix.
type Transport struct {
	api    *Client
	cfg    bot.TransportConfig
	url    string
	dialer *websocket.Dialer

	mu          sync.Mutex
	sessionID   string
	lastSession string
	desired     map[bot.Descriptor]struct{}
}

// NewTransport returns a transport for cfg. eventSubURL may be empty for production.
func NewTransport(api *Client, eventSubURL string, cfg bot.TransportConfig) *Transport {
	t := &Transport{
		api:     api,
		cfg:     cfg,
		url:     eventSubURL,
		desired: make(map[bot.Descriptor]struct{}, len(cfg.InitialSubscriptions)),
	}
	for _, d := range cfg.InitialSubscriptions {
		t.desired[d] = struct{}{}
	}
	return t
}

// Factory adapts NewTransport to bot.TransportFactory.
func Factory(api *Client, eventSubURL string) bot.TransportFactory {
	return func(cfg bot.TransportConfig) (bot.Transport, error) {
		if api == nil {
			return nil, errors.New("twitchapi: client is required")
		}
		return NewTransport(api, eventSubURL, cfg), nil
	}
}

// AddToken validates a token pair, refreshing it when needed.
func (t *Transport) AddToken(ctx context.Context, accessToken, refreshToken string) (bot.ValidatedToken, error) {
	return t.api.Validate(ctx, accessToken, refreshToken)
}

// SubscribeMany records descs as desired and creates them on the current session. Helix
// has no batch endpoint, so each descriptor is one request and fails on its own.
func (t *Transport) SubscribeMany(ctx context.Context, descs []bot.Descriptor) bot.SubscriptionResult {
	t.mu.Lock()
	for _, d := range descs {
		t.desired[d] = struct{}{}
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	var res bot.SubscriptionResult
	fail := func(d bot.Descriptor, err error) {
		if res.Errors == nil {
			res.Errors = make(map[bot.Descriptor]error)
		}
		res.Errors[d] = err
	}
	for _, d := range descs {
		if sessionID == "" {
			fail(d, ErrSessionNotReady)
			continue
		}
		cred, ok := t.cfg.Credentials.Get(d.ListenerUserID)
		if !ok {
			fail(d, fmt.Errorf("%w %s", ErrMissingCredential, d.ListenerUserID))
			continue
		}
		if err := t.api.Subscribe(ctx, d, sessionID, cred.AccessToken); err != nil {
			fail(d, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, d)
	}
	return res
}

// Start serves the EventSub session until ctx ends. loadTokens is accepted for interface
// parity; tokens always come from the credential source.
func (t *Transport) Start(ctx context.Context, loadTokens bool) error {
	if loadTokens {
		slog.Debug("transport ignores loadTokens; credentials come from the cache", slog.String("component", "transport"))
	}
	s := &eventsub.Session{URL: t.url, Dialer: t.dialer, Handler: t}
	return s.Run(ctx)
}

// pending returns the desired descriptors to issue on a fresh session. Unless
// ForceSubscribe is set, only descriptors whose listener has a cached credential are
// returned, since the listener's token authorizes the request.
func (t *Transport) pending() []bot.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bot.Descriptor, 0, len(t.desired))
	for d := range t.desired {
		if !t.cfg.ForceSubscribe {
			if _, ok := t.cfg.Credentials.Get(d.ListenerUserID); !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// OnWelcome issues the desired subscriptions on a new session. A session that moved via
// session_reconnect keeps its subscriptions.
func (t *Transport) OnWelcome(ctx context.Context, w eventsub.Welcome) {
	t.mu.Lock()
	same := w.Reconnected && t.lastSession == w.SessionID
	t.sessionID = w.SessionID
	t.lastSession = w.SessionID
	t.mu.Unlock()

	if t.cfg.Callbacks.OnReady != nil && !same {
		t.cfg.Callbacks.OnReady(ctx)
	}
	if same {
		return
	}
	descs := t.pending()
	if len(descs) == 0 {
		return
	}
	// subscribing off the read loop keeps keepalives flowing
	go func() {
		res := t.SubscribeMany(ctx, descs)
		for d, err := range res.Errors {
			slog.Warn("subscription failed",
				slog.String("type", string(d.Type)),
				slog.String("user_id", d.BroadcasterUserID),
				slog.Any("err", err),
				slog.String("component", "transport"))
		}
		slog.Info("issued subscriptions for session",
			slog.Int("ok", len(res.Succeeded)),
			slog.Int("failed", len(res.Errors)),
			slog.String("component", "transport"))
	}()
}

// OnNotification converts chat notifications and hands them to the message callback.
func (t *Transport) OnNotification(ctx context.Context, n eventsub.Notification) {
	if n.Subscription.Type != string(bot.ChatMessageType) {
		slog.Debug("ignoring notification", slog.String("type", n.Subscription.Type), slog.String("component", "transport"))
		return
	}
	var ev eventsub.ChatMessageEvent
	if err := json.Unmarshal(n.Event, &ev); err != nil {
		slog.Warn("undecodable chat event", slog.Any("err", err), slog.String("component", "transport"))
		return
	}
	if t.cfg.Callbacks.OnMessage == nil {
		return
	}
	go t.cfg.Callbacks.OnMessage(ctx, bot.ChatMessage{
		BroadcasterID:    ev.BroadcasterUserID,
		BroadcasterLogin: ev.BroadcasterUserLogin,
		ChatterID:        ev.ChatterUserID,
		ChatterLogin:     ev.ChatterUserLogin,
		MessageID:        ev.MessageID,
		Text:             ev.Message.Text,
	})
}

// OnRevocation drops the subscription from the desired set and reports it.
func (t *Transport) OnRevocation(ctx context.Context, sub eventsub.Subscription) {
	d := bot.Descriptor{
		Type:              bot.SubscriptionType(sub.Type),
		BroadcasterUserID: sub.Condition.BroadcasterUserID,
		ListenerUserID:    sub.Condition.UserID,
	}
	t.mu.Lock()
	delete(t.desired, d)
	t.mu.Unlock()
	if t.cfg.Callbacks.OnRevocation != nil {
		go t.cfg.Callbacks.OnRevocation(ctx, bot.SubscriptionRevoked{Descriptor: d, Reason: sub.Status})
	}
}

// OnDisconnect forgets the session; subscriptions are reissued on the next welcome.
func (t *Transport) OnDisconnect(err error) {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	if err != nil {
		slog.Debug("eventsub disconnected", slog.Any("err", err), slog.String("component", "transport"))
	}
}

var (
	_ bot.Transport    = (*Transport)(nil)
	_ eventsub.Handler = (*Transport)(nil)
)
