//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client)

	lease, ok, err := l.Acquire(ctx, "sagaflow:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "sagaflow:test", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Extend(ctx, time.Hour))
	ttl, err := client.PTTL(ctx, "sagaflow:test").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
	assert.ErrorIs(t, lease.Extend(ctx, time.Minute), ErrNotHeld)

	_, ok, err = l.Acquire(ctx, "sagaflow:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
