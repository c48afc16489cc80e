package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// newTestRedis starts a throwaway redis container and returns its address.
func newTestRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	address, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return address
}

func TestSeenCache(t *testing.T) {
	address := newTestRedis(t)
	ctx := context.Background()

	cache, err := NewSeenCache(ctx, Options{Address: address, TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	t.Run("marks per connection", func(t *testing.T) {
		seen, err := cache.Seen(ctx, "conn-1", "<a@example.org>")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, cache.MarkSeen(ctx, "conn-1", "<a@example.org>"))

		seen, err = cache.Seen(ctx, "conn-1", "<a@example.org>")
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = cache.Seen(ctx, "conn-2", "<a@example.org>")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("markers expire", func(t *testing.T) {
		ttl, err := cache.rdb.TTL(ctx, key("conn-1", "<a@example.org>")).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
		assert.LessOrEqual(t, ttl, time.Hour)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, cache.Ping(ctx))
	})
}

func TestNewSeenCacheUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewSeenCache(ctx, Options{Address: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}
