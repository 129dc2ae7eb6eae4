package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ActionTracker keeps join/leave timestamps in a sorted set per (drop, user),
// scored by epoch milliseconds.
type ActionTracker struct {
	client *redis.Client
	retain time.Duration
}

func NewActionTracker(client *redis.Client, retain time.Duration) *ActionTracker {
	return &ActionTracker{client: client, retain: retain}
}

func actionsKey(dropID, userID uuid.UUID) string {
	return "drop:actions:" + dropID.String() + ":" + userID.String()
}

func (a *ActionTracker) Record(ctx context.Context, dropID, userID uuid.UUID, at time.Time) error {
	key := actionsKey(dropID, userID)
	ms := at.UnixMilli()
	cutoff := at.Add(-a.retain).UnixMilli()

	pipe := a.client.TxPipeline()
	// member must be unique; two actions in the same millisecond both count
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: strconv.FormatInt(ms, 10) + ":" + uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, a.retain+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

func (a *ActionTracker) CountSince(ctx context.Context, dropID, userID uuid.UUID, since time.Time) (int, error) {
	n, err := a.client.ZCount(ctx, actionsKey(dropID, userID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
