package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/eventsub"
	"github.com/onnwee/bugbot/testutil"
)

func eventSubServer(t *testing.T, frames <-chan []byte) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func envelope(t *testing.T, id, typ string, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(eventsub.Envelope{Metadata: eventsub.Metadata{MessageID: id, MessageType: typ}, Payload: p})
	require.NoError(t, err)
	return b
}

func TestTransport_SubscribeBeforeSession(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	cache := bot.NewCache()
	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "bot-token"})
	tr := NewTransport(newTestClient(t, m), "", bot.TransportConfig{Credentials: cache})

	d := bot.ChatMessageSubscription("U1", "BOT")
	res := tr.SubscribeMany(context.Background(), []bot.Descriptor{d})
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Errors[d], ErrSessionNotReady)
	assert.Contains(t, tr.pending(), d, "kept for the next session")
	assert.Zero(t, m.Calls("/helix/eventsub/subscriptions"))
}

func TestTransport_MissingListenerCredential(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockSubscriptions(nil)
	tr := NewTransport(newTestClient(t, m), "", bot.TransportConfig{Credentials: bot.NewCache()})
	tr.sessionID = "sess"

	d := bot.ChatMessageSubscription("U1", "BOT")
	res := tr.SubscribeMany(context.Background(), []bot.Descriptor{d})
	assert.ErrorIs(t, res.Errors[d], ErrMissingCredential)
	assert.Zero(t, m.Calls("/helix/eventsub/subscriptions"))
}

func TestTransport_PendingHonoursForceSubscribe(t *testing.T) {
	cache := bot.NewCache()
	cache.Set("BOT", bot.Credential{UserID: "BOT"})
	cache.Set("U2", bot.Credential{UserID: "U2"})
	// U2 has a credential, but the listener OTHER does not.
	initial := []bot.Descriptor{bot.ChatMessageSubscription("U1", "BOT"), bot.ChatMessageSubscription("U2", "OTHER")}

	forced := NewTransport(nil, "", bot.TransportConfig{Credentials: cache, InitialSubscriptions: initial, ForceSubscribe: true})
	assert.ElementsMatch(t, initial, forced.pending())

	lazy := NewTransport(nil, "", bot.TransportConfig{Credentials: cache, InitialSubscriptions: initial})
	assert.Equal(t, []bot.Descriptor{initial[0]}, lazy.pending())
}

func TestTransport_EndToEnd(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockSubscriptions(map[string]int{"U2": http.StatusForbidden})

	cache := bot.NewCache()
	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "bot-token", RefreshToken: "r"})

	var (
		mu       sync.Mutex
		messages []bot.ChatMessage
		revoked  []bot.SubscriptionRevoked
	)
	ready := make(chan struct{}, 1)
	got := make(chan struct{}, 4)
	frames := make(chan []byte, 8)
	t.Cleanup(func() { close(frames) })
	cfg := bot.TransportConfig{
		Identity:             bot.Identity{BotUserID: "BOT"},
		InitialSubscriptions: []bot.Descriptor{bot.ChatMessageSubscription("U1", "BOT"), bot.ChatMessageSubscription("U2", "BOT")},
		ForceSubscribe:       true,
		Credentials:          cache,
		Callbacks: bot.Callbacks{
			OnReady: func(context.Context) { ready <- struct{}{} },
			OnMessage: func(_ context.Context, msg bot.ChatMessage) {
				mu.Lock()
				messages = append(messages, msg)
				mu.Unlock()
				got <- struct{}{}
			},
			OnRevocation: func(_ context.Context, ev bot.SubscriptionRevoked) {
				mu.Lock()
				revoked = append(revoked, ev)
				mu.Unlock()
				got <- struct{}{}
			},
		},
	}
	tr := NewTransport(newTestClient(t, m), eventSubServer(t, frames), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, false) }()

	frames <- envelope(t, "1", eventsub.TypeWelcome, map[string]any{"session": map[string]any{"id": "sess-1", "keepalive_timeout_seconds": 10}})
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("no ready callback")
	}
	require.Eventually(t, func() bool { return m.Calls("/helix/eventsub/subscriptions") == 2 }, 3*time.Second, 10*time.Millisecond)

	frames <- envelope(t, "2", eventsub.TypeNotification, map[string]any{
		"subscription": map[string]any{"type": "channel.chat.message", "condition": map[string]string{"broadcaster_user_id": "U1", "user_id": "BOT"}},
		"event": map[string]any{"broadcaster_user_id": "U1", "broadcaster_user_login": "chan", "chatter_user_id": "U7",
			"chatter_user_login": "viewer", "message_id": "m1", "message": map[string]string{"text": "!hi"}},
	})
	frames <- envelope(t, "3", eventsub.TypeRevocation, map[string]any{
		"subscription": map[string]any{"type": "channel.chat.message", "status": "authorization_revoked",
			"condition": map[string]string{"broadcaster_user_id": "U1", "user_id": "BOT"}},
	})
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(3 * time.Second):
			t.Fatal("missing callback")
		}
	}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 1)
	assert.Equal(t, bot.ChatMessage{BroadcasterID: "U1", BroadcasterLogin: "chan", ChatterID: "U7", ChatterLogin: "viewer", MessageID: "m1", Text: "!hi"}, messages[0])
	require.Len(t, revoked, 1)
	assert.Equal(t, bot.ChatMessageSubscription("U1", "BOT"), revoked[0].Descriptor)
	assert.Equal(t, "authorization_revoked", revoked[0].Reason)
	assert.NotContains(t, tr.pending(), bot.ChatMessageSubscription("U1", "BOT"))
}
