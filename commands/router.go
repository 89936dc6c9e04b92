// Package commands parses prefixed chat messages and runs the matching command.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/telemetry"
)

// ErrUsage signals bad arguments; the router answers with the command's usage line.
var ErrUsage = errors.New("usage")

// Responder sends chat lines on the bot's behalf.
type Responder interface {
	Say(ctx context.Context, channel, text string) error
	Reply(ctx context.Context, channel, parentMsgID, text string) error
}

// Context is one command invocation.
type Context struct {
	context.Context
	Message bot.ChatMessage
	// Args are the whitespace-separated words after the command (and subcommand) name.
	Args []string
	// Rest is the raw text after the command name, with inner spacing preserved.
	Rest string

	out Responder
}

// Send writes text to the invoking channel.
func (c *Context) Send(text string) error {
	return c.out.Say(c, c.Message.BroadcasterLogin, text)
}

// Reply answers the invoking message in a thread.
func (c *Context) Reply(text string) error {
	return c.out.Reply(c, c.Message.BroadcasterLogin, c.Message.MessageID, text)
}

// Mention formats a login as a chat mention.
func Mention(login string) string { return "@" + strings.TrimPrefix(login, "@") }

// Command is a named handler. A command with Subcommands dispatches on its first argument
// and falls back to Run when no subcommand matches.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Run         func(c *Context) error
	Subcommands []*Command
}

// Router implements bot.MessageHandler.
type Router struct {
	prefix string
	out    Responder
	byName map[string]*Command
}

// NewRouter returns a router for messages starting with prefix.
func NewRouter(prefix string, out Responder) *Router {
	return &Router{prefix: prefix, out: out, byName: make(map[string]*Command)}
}

// Register adds cmds under their names and aliases. Later registrations win.
func (r *Router) Register(cmds ...*Command) {
	for _, c := range cmds {
		r.byName[strings.ToLower(c.Name)] = c
		for _, a := range c.Aliases {
			r.byName[strings.ToLower(a)] = c
		}
	}
}

// HandleMessage runs the command in msg, if any. Errors are logged, never returned.
func (r *Router) HandleMessage(ctx context.Context, msg bot.ChatMessage) {
	text := strings.TrimSpace(msg.Text)
	if r.prefix == "" || !strings.HasPrefix(text, r.prefix) {
		return
	}
	name, rest := cut(strings.TrimPrefix(text, r.prefix))
	cmd, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return
	}
	path := cmd.Name
	for len(cmd.Subcommands) > 0 {
		subName, subRest := cut(rest)
		sub := find(cmd.Subcommands, subName)
		if sub == nil {
			break
		}
		cmd, rest, path = sub, subRest, path+" "+sub.Name
	}
	if cmd.Run == nil {
		return
	}

	telemetry.IncVec(telemetry.CommandsTotal, path)
	c := &Context{Context: ctx, Message: msg, Args: strings.Fields(rest), Rest: rest, out: r.out}
	err := cmd.Run(c)
	switch {
	case err == nil:
	case errors.Is(err, ErrUsage):
		if cmd.Usage != "" {
			_ = c.Reply(fmt.Sprintf("Usage: %s%s", r.prefix, cmd.Usage))
		}
	default:
		slog.Warn("command failed",
			slog.String("command", path),
			slog.String("user_id", msg.ChatterID),
			slog.Any("err", err),
			slog.String("component", "commands"))
	}
}

func find(cmds []*Command, name string) *Command {
	name = strings.ToLower(name)
	if name == "" {
		return nil
	}
	for _, c := range cmds {
		if strings.ToLower(c.Name) == name {
			return c
		}
		for _, a := range c.Aliases {
			if strings.ToLower(a) == name {
				return c
			}
		}
	}
	return nil
}

// cut splits off the first word.
func cut(s string) (word, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

var _ bot.MessageHandler = (*Router)(nil)
