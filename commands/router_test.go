package commands

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/bugbot/bot"
)

type line struct {
	channel, parent, text string
}

type fakeResponder struct {
	lines []line
}

func (f *fakeResponder) Say(_ context.Context, channel, text string) error {
	f.lines = append(f.lines, line{channel: channel, text: text})
	return nil
}

func (f *fakeResponder) Reply(_ context.Context, channel, parent, text string) error {
	f.lines = append(f.lines, line{channel: channel, parent: parent, text: text})
	return nil
}

func newTestRouter() (*Router, *fakeResponder) {
	out := &fakeResponder{}
	r := NewRouter("!", out)
	r.Register(Builtin(Socials{Discord: "discord.gg/bug", YouTube: "youtube.com/bug", Twitch: "twitch.tv/bug"})...)
	return r, out
}

func msg(text string) bot.ChatMessage {
	return bot.ChatMessage{BroadcasterID: "U1", BroadcasterLogin: "chan", ChatterID: "U7", ChatterLogin: "viewer", MessageID: "m1", Text: text}
}

func TestRouter_Builtins(t *testing.T) {
	tests := []struct {
		in   string
		want line
	}{
		{"!hi", line{"chan", "m1", "Hi viewer!"}},
		{"!HI", line{"chan", "m1", "Hi viewer!"}},
		{"!say hello   there", line{"chan", "", "hello   there"}},
		{"!add 2 40", line{"chan", "m1", "2 + 40 = 42"}},
		{"!choice only", line{"chan", "m1", "You provided 1 choices, I choose: only"}},
		{"!give @friend 5", line{"chan", "", "@viewer gave 5 thanks to @friend"}},
		{"!thanks friend 3 great stream", line{"chan", "", "@viewer gave 3 thanks to @friend with message: great stream"}},
		{"!thank friend 1", line{"chan", "", "@viewer gave 1 thanks to @friend"}},
		{"!socials", line{"chan", "", "discord.gg/bug, youtube.com/bug, twitch.tv/bug"}},
		{"!socials discord", line{"chan", "", "discord.gg/bug"}},
		{"!socials unknown", line{"chan", "", "discord.gg/bug, youtube.com/bug, twitch.tv/bug"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r, out := newTestRouter()
			r.HandleMessage(context.Background(), msg(tt.in))
			require.Len(t, out.lines, 1)
			assert.Equal(t, tt.want, out.lines[0])
		})
	}
}

func TestRouter_SocialsWithoutLinks(t *testing.T) {
	for _, in := range []string{"!socials", "!socials discord"} {
		out := &fakeResponder{}
		r := NewRouter("!", out)
		r.Register(Builtin(Socials{YouTube: "youtube.com/bug"})...)
		r.HandleMessage(context.Background(), msg(in))
		require.Len(t, out.lines, 1, in)
		if in == "!socials" {
			assert.Equal(t, "youtube.com/bug", out.lines[0].text)
			continue
		}
		assert.Equal(t, "No social links configured.", out.lines[0].text)
	}

	out := &fakeResponder{}
	r := NewRouter("!", out)
	r.Register(Builtin(Socials{})...)
	r.HandleMessage(context.Background(), msg("!socials"))
	require.Len(t, out.lines, 1)
	assert.Equal(t, "No social links configured.", out.lines[0].text)
}

func TestRouter_Choice(t *testing.T) {
	r, out := newTestRouter()
	r.HandleMessage(context.Background(), msg("!choice a b c"))
	require.Len(t, out.lines, 1)
	assert.True(t, strings.HasPrefix(out.lines[0].text, "You provided 3 choices, I choose: "))
	pick := strings.TrimPrefix(out.lines[0].text, "You provided 3 choices, I choose: ")
	assert.Contains(t, []string{"a", "b", "c"}, pick)
}

func TestRouter_UsageOnBadArgs(t *testing.T) {
	r, out := newTestRouter()
	r.HandleMessage(context.Background(), msg("!add two 3"))
	require.Len(t, out.lines, 1)
	assert.Equal(t, "Usage: !add <number> <number>", out.lines[0].text)
	assert.Equal(t, "m1", out.lines[0].parent)
}

func TestRouter_IgnoresNonCommands(t *testing.T) {
	r, out := newTestRouter()
	for _, in := range []string{"hello", "!", "!unknown", "?hi", ""} {
		r.HandleMessage(context.Background(), msg(in))
	}
	assert.Empty(t, out.lines)
}

func TestRouter_CommandErrorIsSwallowed(t *testing.T) {
	out := &fakeResponder{}
	r := NewRouter("?", out)
	r.Register(&Command{Name: "boom", Run: func(*Context) error { return errors.New("boom") }})
	assert.NotPanics(t, func() { r.HandleMessage(context.Background(), msg("?boom")) })
	assert.Empty(t, out.lines)
}

func TestCut(t *testing.T) {
	w, rest := cut("  say  hello world ")
	assert.Equal(t, "say", w)
	assert.Equal(t, "hello world ", rest)
	w, rest = cut("hi")
	assert.Equal(t, "hi", w)
	assert.Empty(t, rest)
}
