package session

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisKV persists session keys in Redis so a restarted process, or another
// instance sharing the same Redis, reads back the last login.
type RedisKV struct {
	client  *redis.Client
	channel string
}

// RedisOption configures a RedisKV.
type RedisOption func(*RedisKV)

// WithChangeChannel publishes on channel inside every write transaction so
// Watch can pick up logins made by other processes.
func WithChangeChannel(channel string) RedisOption {
	return func(r *RedisKV) { r.channel = channel }
}

// NewRedisKV wraps the given client.
func NewRedisKV(client *redis.Client, opts ...RedisOption) *RedisKV {
	r := &RedisKV{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisKV) announce(ctx context.Context, pipe redis.Pipeliner) {
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, changedMessage)
	}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetPair writes all values inside one MULTI/EXEC block.
func (r *RedisKV) SetPair(ctx context.Context, values map[string]string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, 0)
		}
		r.announce(ctx, pipe)
		return nil
	})
	return err
}

func (r *RedisKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		r.announce(ctx, pipe)
		return nil
	})
	return err
}
