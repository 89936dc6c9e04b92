// Command migrate-tokens encrypts token rows that are still stored in plaintext, and
// generates encryption keys.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--dsn DSN] [--encryption-key KEY]
//	migrate-tokens keygen
//
// The DSN and key default to DB_DSN and ENCRYPTION_KEY. Rows already sealed are left
// alone, so the tool can be re-run safely.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/onnwee/bugbot/crypto"
	"github.com/onnwee/bugbot/db"
)

// sealer is the part of the token store this tool needs.
type sealer interface {
	Initialize(ctx context.Context) error
	SealPlaintext(ctx context.Context, dryRun bool) (int, error)
}

// openStore connects to the database; replaced in tests.
var openStore = func(ctx context.Context, dsn, key string) (sealer, func(), error) {
	s, err := crypto.NewAESSealer(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize sealer: %w", err)
	}
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return db.NewTokenStore(pool, s), pool.Close, nil
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate-tokens",
		Usage: "encrypt plaintext tokens in bot.tokens",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "report rows that would be encrypted without writing",
			},
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "postgres connection string",
				Sources: cli.EnvVars("DB_DSN"),
			},
			&cli.StringFlag{
				Name:    "encryption-key",
				Usage:   "base64-encoded 32-byte key",
				Sources: cli.EnvVars("ENCRYPTION_KEY"),
			},
		},
		Action: migrateAction,
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "print a new random ENCRYPTION_KEY",
				Action: keygenAction,
			},
		},
	}
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	dsn, key := cmd.String("dsn"), cmd.String("encryption-key")
	if dsn == "" {
		return errors.New("DB_DSN or --dsn is required")
	}
	if key == "" {
		return errors.New("ENCRYPTION_KEY or --encryption-key is required for migration")
	}
	store, closeFn, err := openStore(ctx, dsn, key)
	if err != nil {
		return err
	}
	defer closeFn()
	return migrate(ctx, store, cmd.Bool("dry-run"), cmd.Root().Writer)
}

func migrate(ctx context.Context, store sealer, dryRun bool, out io.Writer) error {
	if err := store.Initialize(ctx); err != nil {
		return err
	}
	n, err := store.SealPlaintext(ctx, dryRun)
	if err != nil {
		return err
	}
	verb := "encrypted"
	if dryRun {
		verb = "would encrypt"
	}
	_, err = fmt.Fprintf(out, "%s %d token rows\n", verb, n)
	return err
}

func keygenAction(_ context.Context, cmd *cli.Command) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, key)
	return err
}
