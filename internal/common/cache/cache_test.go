package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestLocalCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute, time.Minute)

	_, found := c.Get(ctx, "missing")
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, found := c.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "v", val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found = c.Get(ctx, "k")
	assert.False(t, found)
}

func TestLocalCache_SetNX(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(time.Minute, time.Minute)

	ok, err := c.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, _ := c.Get(ctx, "k")
	assert.Equal(t, "first", val)
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(newTestRedis(t), "test:")

	require.NoError(t, c.Set(ctx, "k", map[string]string{"a": "b"}, time.Minute))

	val, found := c.Get(ctx, "k")
	require.True(t, found)
	m, ok := val.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "b", m["a"])

	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found = c.Get(ctx, "k")
	assert.False(t, found)
}

func TestRedisCache_Clear(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	c := NewRedisCache(client, "pre:")

	require.NoError(t, c.Set(ctx, "a", 1, time.Minute))
	require.NoError(t, c.Set(ctx, "b", 2, time.Minute))
	require.NoError(t, c.Clear(ctx))

	_, found := c.Get(ctx, "a")
	assert.False(t, found)
	_, found = c.Get(ctx, "b")
	assert.False(t, found)
}

func TestFactory(t *testing.T) {
	c, err := New(Config{Type: TypeLocal, TTL: time.Minute, CleanupInterval: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &LocalCache{}, c)

	_, err = New(Config{Type: TypeRedis})
	assert.Error(t, err, "redis cache without client should fail")

	c, err = New(Config{Type: TypeRedis, RedisClient: newTestRedis(t)})
	require.NoError(t, err)
	assert.IsType(t, &RedisCache{}, c)

	_, err = New(Config{Type: "bogus"})
	assert.Error(t, err)
}
