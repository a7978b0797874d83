package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sdko-org/blog-api/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(addr string) Options {
	return Options{
		Addr:               addr,
		KeyPrefix:          "test:",
		MaxRetries:         2,
		RetryDelay:         10 * time.Millisecond,
		MaxRetryDelay:      50 * time.Millisecond,
		ConnectTimeout:     200 * time.Millisecond,
		CommandTimeout:     500 * time.Millisecond,
		EnableOfflineQueue: true,
	}
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), logging.Discard(), testOptions(mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRetryDelayIsLinearAndCapped(t *testing.T) {
	opts := Options{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second}

	assert.Equal(t, time.Second, opts.RetryDelayFor(1))
	assert.Equal(t, 3*time.Second, opts.RetryDelayFor(3))
	assert.Equal(t, 5*time.Second, opts.RetryDelayFor(5))
	assert.Equal(t, 5*time.Second, opts.RetryDelayFor(9))
}

func TestGetSetDel(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, store.Set(ctx, "greeting", "hello", time.Minute))
	assert.True(t, mr.Exists("test:greeting"), "keys carry the store prefix")

	val, err := store.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", val)

	n, err := store.Del(ctx, "greeting", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Del(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncrExpireTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ttl, err := store.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)

	ok, err := store.Expire(ctx, "counter", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err = store.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	mr.FastForward(31 * time.Second)

	ttl, err = store.TTL(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, MissingKey, ttl)

	exists, err := store.Exists(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestKeysStripsPrefix(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "blogs:1", "a", 0))
	require.NoError(t, store.Set(ctx, "blogs:2", "b", 0))
	require.NoError(t, store.Set(ctx, "users:1", "c", 0))
	mr.Set("other:blogs:3", "foreign")

	keys, err := store.Keys(ctx, "blogs:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blogs:1", "blogs:2"}, keys)

	keys, err = store.Keys(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEvalPrefixesKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	script := NewScript(`redis.call('SET', KEYS[1], ARGV[1]) return redis.call('GET', KEYS[1])`)
	res, err := store.Eval(ctx, script, []string{"scripted"}, "value")
	require.NoError(t, err)
	assert.Equal(t, "value", res)

	got, err := mr.Get("test:scripted")
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}

func TestConnectFailsWhenNotLazy(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), logging.Discard(), testOptions(addr))
	assert.Error(t, err)
}

func TestOfflineQueueDisabledFailsFast(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions(mr.Addr())
	opts.EnableOfflineQueue = false
	opts.MaxRetries = 0

	store, err := NewRedisStore(context.Background(), logging.Discard(), opts)
	require.NoError(t, err)
	defer store.Close()

	mr.Close()
	ctx := context.Background()

	_, err = store.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, store.Online())

	start := time.Now()
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrOffline)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestOfflineQueueEnabledWaitsForReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions(mr.Addr())
	opts.MaxRetries = 6
	opts.RetryDelay = 20 * time.Millisecond
	opts.MaxRetryDelay = 100 * time.Millisecond

	store, err := NewRedisStore(context.Background(), logging.Discard(), opts)
	require.NoError(t, err)
	defer store.Close()

	mr.Close()
	go func() {
		time.Sleep(40 * time.Millisecond)
		mr.Restart()
	}()

	require.NoError(t, store.Set(context.Background(), "after", "reconnect", 0))
	assert.True(t, store.Online())
}

func TestCallerDeadlineDoesNotMarkOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions(mr.Addr())
	opts.EnableOfflineQueue = false

	store, err := NewRedisStore(context.Background(), logging.Discard(), opts)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Set(context.Background(), "k", "v", 0))

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	_, err = store.Get(expired, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, store.Online())

	got, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}
