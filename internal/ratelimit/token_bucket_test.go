package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := New(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "operator-a")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, err = bucket.Allow(ctx, "operator-a")
	require.NoError(t, err)
	assert.True(t, allowed, "second token")
	allowed, _, err = bucket.Allow(ctx, "operator-a")
	require.NoError(t, err)
	assert.False(t, allowed, "capacity exhausted")

	// Buckets are per operator.
	allowed, _, err = bucket.Allow(ctx, "operator-b")
	require.NoError(t, err)
	assert.True(t, allowed)

	// Refill cannot be exercised with miniredis.FastForward because the
	// Lua script takes its clock from Go, not from Redis.
}
