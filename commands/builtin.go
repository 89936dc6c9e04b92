package commands

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const noSocials = "No social links configured."

// Socials holds the links the socials command prints.
type Socials struct {
	Discord string
	YouTube string
	Twitch  string
}

// Builtin returns the stock command set.
func Builtin(s Socials) []*Command {
	return []*Command{
		{
			Name: "hi",
			Run: func(c *Context) error {
				return c.Reply(fmt.Sprintf("Hi %s!", c.Message.ChatterLogin))
			},
		},
		{
			Name:  "say",
			Usage: "say <message>",
			Run: func(c *Context) error {
				if c.Rest == "" {
					return ErrUsage
				}
				return c.Send(c.Rest)
			},
		},
		{
			Name:  "add",
			Usage: "add <number> <number>",
			Run: func(c *Context) error {
				if len(c.Args) != 2 {
					return ErrUsage
				}
				left, err1 := strconv.Atoi(c.Args[0])
				right, err2 := strconv.Atoi(c.Args[1])
				if err1 != nil || err2 != nil {
					return ErrUsage
				}
				return c.Reply(fmt.Sprintf("%d + %d = %d", left, right, left+right))
			},
		},
		{
			Name:  "choice",
			Usage: "choice <choice_1> <choice_2> ...",
			Run: func(c *Context) error {
				if len(c.Args) == 0 {
					return ErrUsage
				}
				pick := c.Args[rand.IntN(len(c.Args))]
				return c.Reply(fmt.Sprintf("You provided %d choices, I choose: %s", len(c.Args), pick))
			},
		},
		{
			Name:    "give",
			Aliases: []string{"thanks", "thank"},
			Usage:   "give <@user|user_name> <number> [message]",
			Run: func(c *Context) error {
				if len(c.Args) < 2 {
					return ErrUsage
				}
				amount, err := strconv.Atoi(c.Args[1])
				if err != nil {
					return ErrUsage
				}
				line := fmt.Sprintf("%s gave %d thanks to %s", Mention(c.Message.ChatterLogin), amount, Mention(c.Args[0]))
				if len(c.Args) > 2 {
					line += " with message: " + strings.Join(c.Args[2:], " ")
				}
				return c.Send(line)
			},
		},
		{
			Name: "socials",
			Run: func(c *Context) error {
				links := nonEmpty(s.Discord, s.YouTube, s.Twitch)
				if len(links) == 0 {
					return c.Send(noSocials)
				}
				return c.Send(strings.Join(links, ", "))
			},
			Subcommands: []*Command{{
				Name: "discord",
				Run: func(c *Context) error {
					if s.Discord == "" {
						return c.Send(noSocials)
					}
					return c.Send(s.Discord)
				},
			}},
		},
	}
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
