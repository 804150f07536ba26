// Package queue is the due-work queue the worker polls: job ids scored by the time they may run.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const DefaultKey = "emr:jobs:due"

// RedisQueue keeps job ids in a sorted set scored by run-at unix milliseconds
type RedisQueue struct {
	rdb *r.Client
	key string
}

func NewRedisQueue(rdb *r.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{rdb: rdb, key: key}
}

// Enqueue schedules id to become due at runAt. Re-enqueueing moves the run time.
func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	err := q.rdb.ZAdd(ctx, q.key, r.Z{Score: float64(runAt.UnixMilli()), Member: id.String()}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	return nil
}

// EnsureQueued adds id due at runAt unless it is already queued, in which case its run
// time is left alone. It reports whether an entry was added.
func (q *RedisQueue) EnsureQueued(ctx context.Context, id uuid.UUID, runAt time.Time) (bool, error) {
	added, err := q.rdb.ZAddNX(ctx, q.key, r.Z{Score: float64(runAt.UnixMilli()), Member: id.String()}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to restore job %s: %w", id, err)
	}
	return added > 0, nil
}

// FetchDue claims up to limit ids whose run time has passed, oldest first.
// A member is claimed by whoever removes it, so concurrent workers never share an id.
// A claimed id lives only in the worker until the store records the attempt; the
// recovery sweep restores ids lost in between.
func (q *RedisQueue) FetchDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &r.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due jobs: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return ids, fmt.Errorf("failed to claim job %s: %w", member, err)
		}
		if removed == 0 {
			continue
		}

		id, err := uuid.Parse(member)
		if err != nil {
			// not ours to process; the claim already dropped it
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove drops id from the queue, reporting whether it was present
func (q *RedisQueue) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.key, id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	return n > 0, nil
}

// Len returns the number of queued ids, due or not
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}
