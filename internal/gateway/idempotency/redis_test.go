package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRedisStore(t *testing.T, opts ...RedisStoreOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour, opts...), mr
}

func TestRedisStore_ClaimIsExclusive(t *testing.T) {
	store, _ := withRedisStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, second.Outcome)
}

func TestRedisStore_CommitAndReplay(t *testing.T) {
	store, _ := withRedisStore(t)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, claimed.Outcome)

	require.NoError(t, store.Commit(ctx, "key-1", StatusCompleted, []byte(`{"eventId":"abc"}`)))

	replay, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, replay.Outcome)
	assert.Equal(t, StatusCompleted, replay.Record.Status)
	assert.Equal(t, []byte(`{"eventId":"abc"}`), replay.Record.Result)
}

func TestRedisStore_RecordsExpire(t *testing.T) {
	store, mr := withRedisStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "key-1", StatusCompleted, []byte("result")))

	mr.FastForward(time.Hour + time.Minute)

	reclaimed, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, reclaimed.Outcome)
}

func TestRedisStore_CommitKeepsExpiry(t *testing.T) {
	store, mr := withRedisStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "key-1", StatusCompleted, []byte("result")))

	// The record still carries the TTL set at claim time.
	ttl := mr.TTL(recordPrefix + "key-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestRedisStore_FailedIsTerminalByDefault(t *testing.T) {
	store, _ := withRedisStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "key-1", StatusFailed, []byte("boom")))

	replay, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminal, replay.Outcome)
	assert.Equal(t, StatusFailed, replay.Record.Status)
}

func TestRedisStore_RetryFailedAllowsReclaim(t *testing.T) {
	store, _ := withRedisStore(t, WithRedisRetryFailed(true))
	ctx := context.Background()

	_, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "key-1", StatusFailed, []byte("boom")))

	reclaimed, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, reclaimed.Outcome)
}

func TestRedisStore_EmptyKeyNeverDeduplicates(t *testing.T) {
	store, _ := withRedisStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "")
	require.NoError(t, err)
	second, err := store.Claim(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, first.Outcome)
	assert.Equal(t, OutcomeCreated, second.Outcome)
	assert.NotEqual(t, first.Record.Key, second.Record.Key)
}

func TestRedisStore_ReleaseFreesPendingClaim(t *testing.T) {
	store, _ := withRedisStore(t)
	ctx := context.Background()

	_, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "key-1"))

	reclaimed, err := store.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, reclaimed.Outcome)
}

func TestRedisStore_GetMissingReturnsNil(t *testing.T) {
	store, _ := withRedisStore(t)

	record, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, record)
}
