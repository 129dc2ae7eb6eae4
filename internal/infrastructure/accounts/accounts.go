package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// Postgres reads account creation time from the users table the identity
// service replicates into this database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) AccountCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	var createdAt time.Time
	err := p.pool.QueryRow(ctx, `SELECT created_at FROM users WHERE id = $1`, userID).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, domain.ErrUnauthenticated
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("account lookup: %w", err)
	}
	return createdAt.UTC(), nil
}

// Cached memoizes AccountCreatedAt. Creation time never changes, so entries
// only leave through LRU eviction. Misses are not cached, and concurrent
// misses for one user share a single lookup.
type Cached struct {
	inner domain.AccountDirectory
	cache *lru.Cache
	group singleflight.Group
}

func NewCached(inner domain.AccountDirectory, size int) (*Cached, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) AccountCreatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	if v, ok := c.cache.Get(userID); ok {
		return v.(time.Time), nil
	}
	v, err, _ := c.group.Do(userID.String(), func() (any, error) {
		// a flight that finished between our miss and Do already filled it
		if v, ok := c.cache.Get(userID); ok {
			return v, nil
		}
		createdAt, err := c.inner.AccountCreatedAt(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.cache.Add(userID, createdAt)
		return createdAt, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (c *Cached) Len() int { return c.cache.Len() }
