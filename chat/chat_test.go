package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/bugbot/bot"
)

type fakeIRC struct {
	mu        sync.Mutex
	login     string
	token     string
	lines     []string
	joins     []string
	connected chan struct{}
	closed    bool
}

func (f *fakeIRC) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, "#"+channel+" "+text)
}

func (f *fakeIRC) Reply(channel, parent, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, "#"+channel+" >"+parent+" "+text)
}

func (f *fakeIRC) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, channels...)
}

func (f *fakeIRC) Connect() error {
	close(f.connected)
	return nil
}

func (f *fakeIRC) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeIRC) SetIRCToken(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = tok
}

func newTestSender(t *testing.T, cache *bot.Cache) (*Sender, *fakeIRC) {
	t.Helper()
	irc := &fakeIRC{connected: make(chan struct{})}
	s := NewSender("BOT", cache, 100, func(login, token string) IRC {
		irc.login, irc.token = login, token
		return irc
	})
	return s, irc
}

func TestSender_RequiresAuthorization(t *testing.T) {
	cache := bot.NewCache()
	s, _ := newTestSender(t, cache)

	assert.ErrorIs(t, s.Say(context.Background(), "chan", "hello"), ErrNotAuthorized)

	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "tok"})
	assert.ErrorIs(t, s.Say(context.Background(), "chan", "hello"), ErrNotAuthorized, "login still unknown")
}

func TestSender_SayAndReply(t *testing.T) {
	cache := bot.NewCache()
	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "tok1"})
	s, irc := newTestSender(t, cache)
	s.SetLogin("BugBot")
	ctx := context.Background()

	require.NoError(t, s.Say(ctx, "Chan", "hello"))
	require.NoError(t, s.Reply(ctx, "chan", "m1", "hi back"))

	select {
	case <-irc.connected:
	case <-time.After(time.Second):
		t.Fatal("client never connected")
	}
	irc.mu.Lock()
	assert.Equal(t, "bugbot", irc.login)
	assert.Equal(t, "oauth:tok1", irc.token)
	assert.Equal(t, []string{"chan"}, irc.joins, "joined once")
	assert.Equal(t, []string{"#chan hello", "#chan >m1 hi back"}, irc.lines)
	irc.mu.Unlock()

	// a refreshed bot token is handed to the client
	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "tok2"})
	require.NoError(t, s.Say(ctx, "other", "x"))
	irc.mu.Lock()
	assert.Equal(t, "oauth:tok2", irc.token)
	irc.mu.Unlock()

	s.Close()
	irc.mu.Lock()
	assert.True(t, irc.closed)
	irc.mu.Unlock()
}

func TestSender_HonoursContext(t *testing.T) {
	cache := bot.NewCache()
	cache.Set("BOT", bot.Credential{UserID: "BOT", AccessToken: "tok"})
	s := NewSender("BOT", cache, 0.001, func(string, string) IRC { return &fakeIRC{connected: make(chan struct{})} })
	s.SetLogin("bugbot")

	// drain the burst
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Say(context.Background(), "chan", "x"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Say(ctx, "chan", "one too many"))
}
