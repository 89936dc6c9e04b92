package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/bugbot/bot"
)

// ErrNotAuthorized is returned when the bot has no cached token or known login yet.
var ErrNotAuthorized = errors.New("bot account not authorized for chat")

// IRC is the part of the go-twitch-irc client the sender drives.
type IRC interface {
	Say(channel, text string)
	Reply(channel, parentMsgID, text string)
	Join(channels ...string)
	Connect() error
	Disconnect() error
	SetIRCToken(ircToken string)
}

// Dialer builds an IRC client for login authenticated by an "oauth:" token.
type Dialer func(login, ircToken string) IRC

// DefaultDialer returns a go-twitch-irc client.
func DefaultDialer(login, ircToken string) IRC { return twitch.NewClient(login, ircToken) }

// Sender writes chat lines as the bot account.
type Sender struct {
	botUserID string
	creds     bot.CredentialSource
	limiter   *rate.Limiter
	dial      Dialer

	mu     sync.Mutex
	login  string
	token  string
	client IRC
	joined map[string]struct{}
}

// NewSender returns a sender pacing lines at perSecond with a small burst.
func NewSender(botUserID string, creds bot.CredentialSource, perSecond float64, dial Dialer) *Sender {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Sender{
		botUserID: botUserID,
		creds:     creds,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 3),
		dial:      dial,
		joined:    make(map[string]struct{}),
	}
}

// SetLogin records the bot's login, learned from token validation.
func (s *Sender) SetLogin(login string) {
	s.mu.Lock()
	s.login = strings.ToLower(login)
	s.mu.Unlock()
}

// Say sends text to channel.
func (s *Sender) Say(ctx context.Context, channel, text string) error {
	return s.send(ctx, channel, "", text)
}

// Reply sends text as a threaded reply to parentMsgID.
func (s *Sender) Reply(ctx context.Context, channel, parentMsgID, text string) error {
	return s.send(ctx, channel, parentMsgID, text)
}

func (s *Sender) send(ctx context.Context, channel, parentMsgID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chat rate limit: %w", err)
	}
	c, err := s.ensure(channel)
	if err != nil {
		return err
	}
	channel = strings.ToLower(channel)
	if parentMsgID != "" {
		c.Reply(channel, parentMsgID, text)
	} else {
		c.Say(channel, text)
	}
	return nil
}

func (s *Sender) ensure(channel string) (IRC, error) {
	cred, ok := s.creds.Get(s.botUserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok || s.login == "" {
		return nil, ErrNotAuthorized
	}
	ircToken := "oauth:" + cred.AccessToken
	if s.client == nil {
		s.client = s.dial(s.login, ircToken)
		s.token = cred.AccessToken
		c := s.client
		go func() {
			if err := c.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
				slog.Error("twitch chat connect error", slog.Any("err", err), slog.String("component", "chat"))
			}
		}()
	} else if cred.AccessToken != s.token {
		// picked up on the client's next reconnect
		s.client.SetIRCToken(ircToken)
		s.token = cred.AccessToken
	}
	ch := strings.ToLower(channel)
	if _, ok := s.joined[ch]; !ok {
		s.client.Join(ch)
		s.joined[ch] = struct{}{}
	}
	return s.client, nil
}

// Close disconnects the IRC client if one was started.
func (s *Sender) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.joined = make(map[string]struct{})
	s.mu.Unlock()
	if c != nil {
		_ = c.Disconnect()
	}
}
