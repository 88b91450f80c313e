// Package cache holds the fast-path duplicate filter in front of the
// processed_events table. The table stays the source of truth: a cache miss
// or outage only costs a database round trip.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type SeenSet interface {
	Seen(ctx context.Context, provider, key string) (bool, error)
	Mark(ctx context.Context, provider, key string) error
}

// NopSeenSet never reports a hit.
type NopSeenSet struct{}

func (NopSeenSet) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (NopSeenSet) Mark(context.Context, string, string) error         { return nil }

type RedisSeenSet struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisSeenSet(client redis.UniversalClient, ttl time.Duration) *RedisSeenSet {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisSeenSet{client: client, ttl: ttl}
}

func seenKey(provider, key string) string {
	return "ledger:seen:" + provider + ":" + key
}

func (s *RedisSeenSet) Seen(ctx context.Context, provider, key string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKey(provider, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSeenSet) Mark(ctx context.Context, provider, key string) error {
	return s.client.Set(ctx, seenKey(provider, key), 1, s.ttl).Err()
}
