// Command lookup-ids resolves Twitch logins to the numeric user ids that TWITCH_BOT_ID
// and TWITCH_OWNER_ID expect. It authenticates with an app access token, so only the
// application credentials are needed.
//
// Usage:
//
//	lookup-ids [--owner LOGIN] [--bot LOGIN] [LOGIN...]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/onnwee/bugbot/twitchapi"
)

// httpClient is swapped in tests to reach a mock Twitch server.
var httpClient *http.Client

func main() {
	_ = godotenv.Load()
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("lookup failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:      "lookup-ids",
		Usage:     "print the user ids of Twitch logins",
		ArgsUsage: "[LOGIN...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "Twitch application client id",
				Sources: cli.EnvVars("TWITCH_CLIENT_ID"),
			},
			&cli.StringFlag{
				Name:    "client-secret",
				Usage:   "Twitch application client secret",
				Sources: cli.EnvVars("TWITCH_CLIENT_SECRET"),
			},
			&cli.StringFlag{
				Name:  "owner",
				Usage: "owner login, printed as TWITCH_OWNER_ID",
			},
			&cli.StringFlag{
				Name:  "bot",
				Usage: "bot login, printed as TWITCH_BOT_ID",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "overall request timeout",
				Value: 15 * time.Second,
			},
		},
		Action: lookupAction,
	}
}

func lookupAction(ctx context.Context, cmd *cli.Command) error {
	owner, botLogin := strings.ToLower(cmd.String("owner")), strings.ToLower(cmd.String("bot"))
	logins := make([]string, 0, cmd.NArg()+2)
	for _, l := range []string{owner, botLogin} {
		if l != "" {
			logins = append(logins, l)
		}
	}
	for _, l := range cmd.Args().Slice() {
		logins = append(logins, strings.ToLower(l))
	}
	if len(logins) == 0 {
		return errors.New("no logins given")
	}

	api, err := twitchapi.NewClient(twitchapi.Options{
		ClientID:     cmd.String("client-id"),
		ClientSecret: cmd.String("client-secret"),
		HTTPClient:   httpClient,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	token, err := (&twitchapi.AppTokenSource{Client: api}).Get(ctx)
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	users, err := api.LookupUsers(ctx, token, logins)
	if err != nil {
		return err
	}

	ids := make(map[string]string, len(users))
	for _, u := range users {
		ids[strings.ToLower(u.Login)] = u.ID
	}
	out := cmd.Root().Writer
	var missing []string
	for _, l := range logins {
		id, ok := ids[l]
		if !ok {
			missing = append(missing, l)
			continue
		}
		switch l {
		case owner:
			fmt.Fprintf(out, "TWITCH_OWNER_ID=%s\n", id)
		case botLogin:
			fmt.Fprintf(out, "TWITCH_BOT_ID=%s\n", id)
		default:
			fmt.Fprintf(out, "%s %s\n", l, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unknown logins: %s", strings.Join(missing, ", "))
	}
	return nil
}
