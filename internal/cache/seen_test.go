package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSeenSet(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	seen := NewRedisSeenSet(client, time.Hour)
	ctx := context.Background()

	hit, err := seen.Seen(ctx, "card", "evt_1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, seen.Mark(ctx, "card", "evt_1"))

	hit, err = seen.Seen(ctx, "card", "evt_1")
	require.NoError(t, err)
	assert.True(t, hit)

	// Keys are scoped per provider.
	hit, err = seen.Seen(ctx, "gateway", "evt_1")
	require.NoError(t, err)
	assert.False(t, hit)

	mr.FastForward(2 * time.Hour)
	hit, err = seen.Seen(ctx, "card", "evt_1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisSeenSetOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisSeenSet(client, time.Hour).Seen(context.Background(), "card", "evt_1")
	assert.Error(t, err)
}

func TestNopSeenSet(t *testing.T) {
	var seen SeenSet = NopSeenSet{}
	require.NoError(t, seen.Mark(context.Background(), "card", "evt_1"))
	hit, err := seen.Seen(context.Background(), "card", "evt_1")
	require.NoError(t, err)
	assert.False(t, hit)
}
