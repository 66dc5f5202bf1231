package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used when no Redis address is
// configured, and in tests. Contents do not survive a restart.
type MemoryQueue struct {
	mu    sync.Mutex
	items []memoryItem
	now   func() time.Time
}

type memoryItem struct {
	task Task
	due  time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, memoryItem{task: task, due: q.now().Add(delay)})
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].due.Before(q.items[j].due) })
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var tasks []Task
	for len(q.items) > 0 && len(tasks) < limit && !q.items[0].due.After(now) {
		tasks = append(tasks, q.items[0].task)
		q.items = q.items[1:]
	}
	return tasks, nil
}

func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}
