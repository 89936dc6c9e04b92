package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSealer struct {
	initErr error
	n       int
	err     error
	dryRun  []bool
}

func (f *fakeSealer) Initialize(context.Context) error { return f.initErr }

func (f *fakeSealer) SealPlaintext(_ context.Context, dryRun bool) (int, error) {
	f.dryRun = append(f.dryRun, dryRun)
	return f.n, f.err
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), append([]string{"migrate-tokens"}, args...))
	return out.String(), err
}

func withStore(t *testing.T, s sealer) {
	t.Helper()
	prev := openStore
	openStore = func(context.Context, string, string) (sealer, func(), error) { return s, func() {}, nil }
	t.Cleanup(func() { openStore = prev })
}

func TestMigrateDryRun(t *testing.T) {
	f := &fakeSealer{n: 3}
	withStore(t, f)

	out, err := runCommand(t, "--dry-run", "--dsn", "postgres://x", "--encryption-key", "k")

	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.dryRun)
	assert.Equal(t, "would encrypt 3 token rows\n", out)
}

func TestMigrateWrites(t *testing.T) {
	f := &fakeSealer{n: 2}
	withStore(t, f)

	out, err := runCommand(t, "--dsn", "postgres://x", "--encryption-key", "k")

	require.NoError(t, err)
	assert.Equal(t, []bool{false}, f.dryRun)
	assert.Equal(t, "encrypted 2 token rows\n", out)
}

func TestMigrateRequiresSettings(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("ENCRYPTION_KEY", "")
	withStore(t, &fakeSealer{})

	_, err := runCommand(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")

	_, err = runCommand(t, "--dsn", "postgres://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY")
}

func TestMigrateReadsEnvironment(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://env")
	t.Setenv("ENCRYPTION_KEY", "k")
	f := &fakeSealer{}
	withStore(t, f)

	_, err := runCommand(t)

	require.NoError(t, err)
	assert.Len(t, f.dryRun, 1)
}

func TestMigratePropagatesErrors(t *testing.T) {
	withStore(t, &fakeSealer{err: errors.New("boom")})

	_, err := runCommand(t, "--dsn", "postgres://x", "--encryption-key", "k")

	assert.EqualError(t, err, "boom")
}

func TestKeygen(t *testing.T) {
	out, err := runCommand(t, "keygen")
	require.NoError(t, err)

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
