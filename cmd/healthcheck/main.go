// Command healthcheck probes the bot's /healthz (or /readyz with --ready) and exits
// non-zero when it does not answer 200. It is meant for container HEALTHCHECK lines.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "healthcheck",
		Usage: "probe the bot's health endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address of the bot",
				Value:   ":4343",
				Sources: cli.EnvVars("HTTP_ADDR"),
			},
			&cli.BoolFlag{
				Name:  "ready",
				Usage: "probe /readyz instead of /healthz",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 3 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := "/healthz"
			if cmd.Bool("ready") {
				path = "/readyz"
			}
			return probe(ctx, probeURL(cmd.String("addr"), path), cmd.Duration("timeout"))
		},
	}
}

// probeURL turns a listen address such as ":4343" into a loopback URL.
func probeURL(addr, path string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + path
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func probe(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %d", url, resp.StatusCode)
	}
	return nil
}
