package memory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*InMemoryStore
	relatedCalls int
}

func (c *countingStore) RelatedSessions(ctx context.Context, userID, query string, limit int) ([]SavedSession, error) {
	c.relatedCalls++
	return c.InMemoryStore.RelatedSessions(ctx, userID, query, limit)
}

func setupCachedStore(t *testing.T) (*CachedStore, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backing := &countingStore{InMemoryStore: NewInMemoryStore()}
	return NewCachedStore(backing, client, WithCachePrefix("test")), backing, mr
}

func TestCachedStore_ServesRepeatLookupsFromRedis(t *testing.T) {
	store, backing, _ := setupCachedStore(t)
	ctx := context.Background()

	_, err := store.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "work pressure", Emotion: "anxious", KeyStressor: "deadline"})
	require.NoError(t, err)

	first, err := store.RelatedSessions(ctx, "u1", "work", 3)
	require.NoError(t, err)
	second, err := store.RelatedSessions(ctx, "u1", "WORK", 3)
	require.NoError(t, err)

	assert.Equal(t, 1, backing.relatedCalls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestCachedStore_SaveSessionInvalidates(t *testing.T) {
	store, backing, _ := setupCachedStore(t)
	ctx := context.Background()

	_, err := store.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "work pressure", Emotion: "anxious", KeyStressor: "deadline"})
	require.NoError(t, err)
	before, err := store.RelatedSessions(ctx, "u1", "work", 3)
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = store.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "more work", Emotion: "tired", KeyStressor: "hours"})
	require.NoError(t, err)
	after, err := store.RelatedSessions(ctx, "u1", "work", 3)
	require.NoError(t, err)

	assert.Len(t, after, 2)
	assert.Equal(t, 2, backing.relatedCalls)
}

func TestCachedStore_FallsBackWhenRedisDown(t *testing.T) {
	store, backing, mr := setupCachedStore(t)
	ctx := context.Background()

	_, err := backing.SaveSession(ctx, SavedSession{UserID: "u1", Summary: "work", Emotion: "ok", KeyStressor: "none"})
	require.NoError(t, err)
	mr.Close()

	got, err := store.RelatedSessions(ctx, "u1", "work", 3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCachedStore_EmptyQuerySkipsCache(t *testing.T) {
	store, backing, mr := setupCachedStore(t)

	got, err := store.RelatedSessions(context.Background(), "u1", "", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, backing.relatedCalls)
	assert.Empty(t, mr.Keys())
}

func TestCachedStore_ModeReportsLayers(t *testing.T) {
	store, _, _ := setupCachedStore(t)
	assert.Equal(t, "custom+redis", Mode(store))
}
