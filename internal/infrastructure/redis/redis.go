package redis

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// dropStatusTTL bounds how stale a cached status may get if an invalidation
// from the snapshot consumer is lost.
const dropStatusTTL = 30 * time.Second

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func NewFromClient(c *redis.Client) *Cache {
	return &Cache{Client: c}
}

func dropStatusKey(dropID uuid.UUID) string {
	return "drop:status:" + dropID.String()
}

func (c *Cache) GetDropStatus(ctx context.Context, dropID uuid.UUID) (domain.DropStatus, error) {
	val, err := c.Client.Get(ctx, dropStatusKey(dropID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrCacheMiss
		}
		return "", err
	}
	st := domain.DropStatus(val)
	if !st.Valid() {
		return "", domain.ErrCacheMiss
	}
	return st, nil
}

func (c *Cache) SetDropStatus(ctx context.Context, dropID uuid.UUID, status domain.DropStatus) error {
	return c.Client.Set(ctx, dropStatusKey(dropID), string(status), dropStatusTTL).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "ratelimit:" + key
	count, err := c.Client.Incr(ctx, k).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, k, window).Err()
	}
	return count <= int64(limit), nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.Client.Close()
}
