package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "tidehook:retry"

// RedisQueue stores tasks in a sorted set scored by due time.
type RedisQueue struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects a queue to a Redis instance. key may be empty
// for the default.
func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = defaultKey
	}
	return &RedisQueue{rdb: rdb, key: key, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	member, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{Score: due, Member: member}).Err(); err != nil {
		return fmt.Errorf("scheduling task %s: %w", task.ID, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due tasks: %w", err)
	}

	var tasks []Task
	for _, m := range members {
		// ZRem is the claim; a competing consumer loses the race and skips.
		removed, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return tasks, fmt.Errorf("claiming task: %w", err)
		}
		if removed == 0 {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return tasks, fmt.Errorf("decoding claimed task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}
