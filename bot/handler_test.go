package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(ft *fakeTransport, store *memStore) (*AuthorizationHandler, *Cache) {
	cache := NewCache()
	return NewAuthorizationHandler(ft, store, cache, NewSubscriptionManager(ft, "BOT")), cache
}

func TestHandle_NewUserSubscribes(t *testing.T) {
	ft := newFakeTransport().own("a1", "U1")
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	err := h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)

	row, ok := store.get("U1")
	require.True(t, ok)
	assert.Equal(t, Credential{UserID: "U1", AccessToken: "a1", RefreshToken: "r1"}, row)

	cached, ok := cache.Get("U1")
	require.True(t, ok)
	assert.Equal(t, row, cached)

	assert.Equal(t, []Descriptor{ChatMessageSubscription("U1", "BOT")}, ft.subscribed())
}

func TestHandle_BotAuthorizationDoesNotSubscribe(t *testing.T) {
	ft := newFakeTransport().own("botaccess", "BOT")
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	require.NoError(t, h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "botaccess", RefreshToken: "botrefresh"}))

	_, ok := store.get("BOT")
	assert.True(t, ok, "bot token is stored")
	_, ok = cache.Get("BOT")
	assert.True(t, ok, "bot token is cached")
	assert.Empty(t, ft.subscribed())
}

func TestHandle_ValidationFailurePersistsNothing(t *testing.T) {
	ft := newFakeTransport()
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	err := h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "bogus", RefreshToken: "r", UserID: "U9"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, errInvalidToken)
	assert.Zero(t, store.upserts)
	assert.Zero(t, cache.Len())
	assert.Empty(t, ft.subscribed())
}

func TestHandle_PersistFailureStillCachesAndSubscribes(t *testing.T) {
	ft := newFakeTransport().own("a1", "U1")
	store := newMemStore()
	store.upsertErr = errors.New("connection refused")
	h, cache := newTestHandler(ft, store)

	err := h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "a1", RefreshToken: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.upsertErr)
	assert.NotErrorIs(t, err, ErrValidation)

	_, ok := cache.Get("U1")
	assert.True(t, ok)
	assert.Len(t, ft.subscribed(), 1)
}

func TestHandle_SubscriptionFailureIsNotAnError(t *testing.T) {
	ft := newFakeTransport().own("a1", "U1")
	ft.failSubs["U1"] = errors.New("forbidden")
	h, _ := newTestHandler(ft, newMemStore())

	assert.NoError(t, h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "a1", RefreshToken: "r1"}))
}

func TestHandle_UserIDFallsBackToGrant(t *testing.T) {
	ft := newFakeTransport().own("a1", "")
	store := newMemStore()
	h, _ := newTestHandler(ft, store)

	require.NoError(t, h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "a1", RefreshToken: "r1", UserID: "U5"}))
	_, ok := store.get("U5")
	assert.True(t, ok)
	assert.Equal(t, []Descriptor{ChatMessageSubscription("U5", "BOT")}, ft.subscribed())
}

func TestHandle_NoUserIDStopsQuietly(t *testing.T) {
	ft := newFakeTransport().own("a1", "")
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	require.NoError(t, h.Handle(context.Background(), AuthorizationCompleted{AccessToken: "a1", RefreshToken: "r1"}))
	assert.Zero(t, store.upserts)
	assert.Zero(t, cache.Len())
	assert.Empty(t, ft.subscribed())
}

func TestHandle_ConcurrentDistinctUsers(t *testing.T) {
	const n = 32
	ft := newFakeTransport()
	for i := 0; i < n; i++ {
		ft.own(fmt.Sprintf("a%d", i), fmt.Sprintf("U%d", i))
	}
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- h.Handle(context.Background(), AuthorizationCompleted{AccessToken: fmt.Sprintf("a%d", i), RefreshToken: fmt.Sprintf("r%d", i)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, cache.Len())
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("U%d", i)
		row, ok := store.get(id)
		require.True(t, ok, id)
		cached, ok := cache.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, row, cached)
	}
	assert.Len(t, ft.subscribed(), n)
}

func TestHandle_SameUserStoreAndCacheConverge(t *testing.T) {
	const n = 16
	ft := newFakeTransport()
	for i := 0; i < n; i++ {
		ft.own(fmt.Sprintf("a%d", i), "U1")
	}
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.Handle(context.Background(), AuthorizationCompleted{AccessToken: fmt.Sprintf("a%d", i), RefreshToken: fmt.Sprintf("r%d", i)})
		}(i)
	}
	wg.Wait()

	row, ok := store.get("U1")
	require.True(t, ok)
	cached, ok := cache.Get("U1")
	require.True(t, ok)
	assert.Equal(t, row, cached)
}

func TestRegister_DoesNotSubscribe(t *testing.T) {
	ft := newFakeTransport().own("a1", "U1")
	store := newMemStore()
	h, cache := newTestHandler(ft, store)

	v, err := h.Register(context.Background(), "a1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "U1", v.UserID)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, store.upserts)
	assert.Empty(t, ft.subscribed())
}
