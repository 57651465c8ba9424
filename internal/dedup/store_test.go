package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStore_MarkThenSeen(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisStore(client, time.Hour, "")
	ctx := context.Background()

	seen, err := store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Mark(ctx, "msg-1"))

	seen, err = store.Seen(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = store.Seen(ctx, "msg-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStore_KeyPrefixAndTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, time.Minute, "test:")
	ctx := context.Background()

	require.NoError(t, store.Mark(ctx, "abc"))
	assert.True(t, mr.Exists("test:abc"))
	assert.Equal(t, time.Minute, mr.TTL("test:abc"))

	mr.FastForward(2 * time.Minute)

	seen, err := store.Seen(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStore_DefaultPrefix(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, time.Minute, "")

	require.NoError(t, store.Mark(context.Background(), "abc"))
	assert.True(t, mr.Exists("email:sent:abc"))
}

func TestRedisStore_ServerDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStore(client, time.Minute, "")
	mr.Close()

	_, err := store.Seen(context.Background(), "abc")
	assert.Error(t, err)
	assert.Error(t, store.Mark(context.Background(), "abc"))
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := Open(context.Background(), Config{RedisAddr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Mark(context.Background(), "x"))
	assert.True(t, mr.Exists("email:sent:x"))
}

func TestOpen_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Config{RedisAddr: addr})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var s Store = Noop{}
	seen, err := s.Seen(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, s.Mark(context.Background(), "x"))
}
