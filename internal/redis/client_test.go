package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		assert.NoError(t, client.Health())
		assert.NotNil(t, client.Raw())
	})

	t.Run("nil config rejected", func(t *testing.T) {
		_, err := NewClient(nil)
		assert.Error(t, err)
	})

	t.Run("sets default pool size", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		config := &Config{Address: mr.Addr(), PoolSize: 0}
		client, err := NewClient(config)
		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, 10, config.PoolSize)
	})

	t.Run("unreachable server", func(t *testing.T) {
		_, err := NewClient(&Config{Address: "127.0.0.1:1"})
		assert.Error(t, err)
	})
}

func TestLocking(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLock(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = client.AcquireLock(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, client.ExtendLock(ctx, "reconciler", 2*time.Minute))

	require.NoError(t, client.ReleaseLock(ctx, "reconciler"))

	acquired, err = client.AcquireLock(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	err = client.ExtendLock(ctx, "missing", time.Minute)
	assert.Error(t, err)
}

func TestKeyValueOperations(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	t.Run("string value", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k1", "v1", time.Minute))

		val, err := client.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "v1", val)
	})

	t.Run("json value", func(t *testing.T) {
		type snapshot struct {
			Healthy bool `json:"healthy"`
		}

		require.NoError(t, client.Set(ctx, "k2", snapshot{Healthy: true}, time.Minute))

		var out snapshot
		require.NoError(t, client.GetJSON(ctx, "k2", &out))
		assert.True(t, out.Healthy)
	})

	t.Run("exists and delete", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k3", "v3", time.Minute))

		exists, err := client.Exists(ctx, "k3")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, client.Delete(ctx, "k3"))

		exists, err = client.Exists(ctx, "k3")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("expiration", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "k4", "v4", time.Second))
		mr.FastForward(2 * time.Second)

		_, err := client.Get(ctx, "k4")
		assert.Error(t, err)
	})
}
