package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/config"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(Config{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestManager_AppendAndRange(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Append(ctx, "results:a", 0, "1", "2"))
	require.NoError(t, manager.Append(ctx, "results:a", 0, "3"))

	vals, err := manager.Range(ctx, "results:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, vals)
	assert.Equal(t, time.Minute, mr.TTL("results:a"))

	empty, err := manager.Range(ctx, "results:missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestManager_AppendTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Append(ctx, "short", 5*time.Second, "x"))
	assert.Equal(t, 5*time.Second, mr.TTL("short"))

	require.NoError(t, manager.Append(ctx, "forever", -1, "x"))
	assert.Zero(t, mr.TTL("forever"))

	mr.FastForward(6 * time.Second)
	assert.False(t, mr.Exists("short"))

	ttl, err := manager.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	require.NoError(t, manager.Append(ctx, "noop", 0))
	assert.False(t, mr.Exists("noop"))
}

func TestManager_KeysAndDelete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"mplane:a", "mplane:b", "other:c"} {
		require.NoError(t, manager.Append(ctx, k, 0, "v"))
	}

	keys, err := manager.Keys(ctx, "mplane:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mplane:a", "mplane:b"}, keys)

	n, err := manager.Delete(ctx, keys...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = manager.Delete(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_Close(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Ping(ctx))
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, manager.Append(ctx, "k", 0, "v"), ErrClosed)
	_, err := manager.Range(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFrom(t *testing.T) {
	c := ConfigFrom(config.RedisConfig{Addr: "redis:6379", DB: 2, PoolSize: 4},
		config.StorageConfig{Retention: time.Hour})

	assert.Equal(t, "redis:6379", c.Addr)
	assert.Equal(t, 2, c.DB)
	assert.Equal(t, 4, c.PoolSize)
	assert.Equal(t, DefaultConfig().MinIdleConns, c.MinIdleConns)
	assert.Equal(t, time.Hour, c.DefaultTTL)
}
