package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onnwee/bugbot/bot"
	"github.com/onnwee/bugbot/crypto"
)

const (
	createSchema = `CREATE SCHEMA IF NOT EXISTS bot`
	createTokens = `CREATE TABLE IF NOT EXISTS bot.tokens (
		user_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		refresh TEXT NOT NULL
	)`
	upsertToken = `INSERT INTO bot.tokens (user_id, token, refresh)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			token = EXCLUDED.token,
			refresh = EXCLUDED.refresh`
	selectTokens = `SELECT user_id, token, refresh FROM bot.tokens`
)

// TokenStore persists one credential row per user in bot.tokens. Every operation holds a
// single pooled connection for its duration. Token columns pass through the Sealer.
type TokenStore struct {
	pool   *pgxpool.Pool
	sealer crypto.Sealer
}

// NewTokenStore returns a store over pool. A nil sealer stores tokens in plaintext.
func NewTokenStore(pool *pgxpool.Pool, sealer crypto.Sealer) *TokenStore {
	if sealer == nil {
		sealer = crypto.Plain{}
	}
	return &TokenStore{pool: pool, sealer: sealer}
}

// Initialize creates the bot schema and tokens table if they are missing.
func (s *TokenStore) Initialize(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	for i, stmt := range []string{createSchema, createTokens} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("token store setup step %d failed: %w", i, err)
		}
	}
	return nil
}

// Upsert inserts or replaces the credential for userID in one statement.
func (s *TokenStore) Upsert(ctx context.Context, userID, accessToken, refreshToken string) error {
	access, err := s.sealer.Seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, upsertToken, userID, access, refresh); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// LoadAll returns every stored credential. A row whose tokens cannot be opened (wrong or
// missing ENCRYPTION_KEY, tampered value) is logged and skipped.
func (s *TokenStore) LoadAll(ctx context.Context) ([]bot.Credential, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, selectTokens)
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}
	stored, err := pgx.CollectRows(rows, pgx.RowToStructByPos[storedRow])
	if err != nil {
		return nil, fmt.Errorf("scan tokens: %w", err)
	}

	out := make([]bot.Credential, 0, len(stored))
	for _, r := range stored {
		cred, err := s.open(r)
		if err != nil {
			slog.Warn("skipping unreadable stored token", slog.String("user_id", r.UserID), slog.Any("err", err), slog.String("component", "db"))
			continue
		}
		out = append(out, cred)
	}
	return out, nil
}

func (s *TokenStore) open(r storedRow) (bot.Credential, error) {
	access, err := s.sealer.Open(r.Token)
	if err != nil {
		return bot.Credential{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.sealer.Open(r.Refresh)
	if err != nil {
		return bot.Credential{}, fmt.Errorf("open refresh token: %w", err)
	}
	return bot.Credential{UserID: r.UserID, AccessToken: access, RefreshToken: refresh}, nil
}

// SealPlaintext rewrites rows still holding plaintext tokens in sealed form and returns
// how many rows changed. With dryRun nothing is written.
func (s *TokenStore) SealPlaintext(ctx context.Context, dryRun bool) (int, error) {
	if _, ok := s.sealer.(crypto.Plain); ok {
		return 0, fmt.Errorf("sealing requires ENCRYPTION_KEY")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, selectTokens)
	if err != nil {
		return 0, fmt.Errorf("select tokens: %w", err)
	}
	stored, err := pgx.CollectRows(rows, pgx.RowToStructByPos[storedRow])
	if err != nil {
		return 0, fmt.Errorf("scan tokens: %w", err)
	}

	n := 0
	for _, r := range stored {
		if !needsSeal(r.Token) && !needsSeal(r.Refresh) {
			continue
		}
		n++
		if dryRun {
			slog.Info("would seal tokens", slog.String("user_id", r.UserID), slog.String("component", "db"))
			continue
		}
		access, err := s.resealed(r.Token)
		if err != nil {
			return n - 1, fmt.Errorf("seal access token for user %s: %w", r.UserID, err)
		}
		refresh, err := s.resealed(r.Refresh)
		if err != nil {
			return n - 1, fmt.Errorf("seal refresh token for user %s: %w", r.UserID, err)
		}
		if _, err := conn.Exec(ctx, upsertToken, r.UserID, access, refresh); err != nil {
			return n - 1, fmt.Errorf("rewrite tokens for user %s: %w", r.UserID, err)
		}
		slog.Info("sealed tokens", slog.String("user_id", r.UserID), slog.String("component", "db"))
	}
	return n, nil
}

func (s *TokenStore) resealed(v string) (string, error) {
	if !needsSeal(v) {
		return v, nil
	}
	return s.sealer.Seal(v)
}

func needsSeal(v string) bool { return v != "" && !crypto.IsSealed(v) }

// Ping checks that a pooled connection can reach the database.
func (s *TokenStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

type storedRow struct {
	UserID  string
	Token   string
	Refresh string
}

var _ bot.TokenStore = (*TokenStore)(nil)
