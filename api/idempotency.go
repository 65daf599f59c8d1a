package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const appliedMovesNamespace = "moves:applied"

// RedisDeduper remembers applied move keys per user so a drag replayed by the
// browser, or retried against another instance, is applied once. Keys expire
// after ttl.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func appliedMoveKey(userID, key string) string {
	return appliedMovesNamespace + ":" + userID + ":" + key
}

// Add claims key for userID. It reports false when the key was already
// claimed. The stored value is the claim time in unix milliseconds.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	fresh, err := r.client.SetNX(ctx, appliedMoveKey(userID, key), time.Now().UnixMilli(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim move key: %w", err)
	}
	return fresh, nil
}

// Remove releases a claimed key so the move may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	if err := r.client.Del(ctx, appliedMoveKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("release move key: %w", err)
	}
	return nil
}
