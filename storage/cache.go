package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"taskflow/domain"
)

type backend interface {
	FetchBoard(ctx context.Context, boardID string) (domain.Board, error)
	SaveBoard(ctx context.Context, b domain.Board) error
	EnqueueMoves(ctx context.Context, userID string, cmds []domain.MoveCommand) error
}

// Cache wraps a Storage instance with Redis-backed caching for boards.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchBoard(ctx context.Context, boardID string) (domain.Board, error) {
	if b, ok := c.loadBoardFromCache(ctx, boardID); ok {
		return b, nil
	}

	b, err := c.base.FetchBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}

	c.storeBoard(ctx, b)
	return b, nil
}

// SaveBoard writes through to the backing storage and refreshes the cached
// copy. When the write fails the cached copy is evicted.
func (c *Cache) SaveBoard(ctx context.Context, b domain.Board) error {
	if err := c.base.SaveBoard(ctx, b); err != nil {
		c.evict(ctx, b.ID)
		return err
	}
	c.storeBoard(ctx, b)
	return nil
}

func (c *Cache) EnqueueMoves(ctx context.Context, userID string, cmds []domain.MoveCommand) error {
	return c.base.EnqueueMoves(ctx, userID, cmds)
}

func (c *Cache) loadBoardFromCache(ctx context.Context, boardID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := json.Unmarshal(data, &b); err != nil || b.Validate() != nil {
		_ = c.redis.Del(ctx, boardCacheKey(boardID)).Err()
		return domain.Board{}, false
	}
	return b, true
}

func (c *Cache) storeBoard(ctx context.Context, b domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(b.ID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(boardID)).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}
