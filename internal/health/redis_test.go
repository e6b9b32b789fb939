package health

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	checker := NewRedisChecker(client)
	assert.Equal(t, "redis", checker.Name())

	require.NoError(t, checker.Check(context.Background()))

	mr.SetError("ERR server unavailable")
	err := checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")

	mr.SetError("")
	assert.NoError(t, checker.Check(context.Background()))
}

func TestRedisChecker_NilClient(t *testing.T) {
	checker := NewRedisChecker(nil)
	assert.Error(t, checker.Check(context.Background()))
}

func TestRedisChecker_CancelledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRedisChecker(client).Check(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}
