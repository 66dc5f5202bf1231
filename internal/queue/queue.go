// Package queue provides the delayed task queue behind webhook retry.
// Tasks become visible once their due time passes; delivery is
// at-least-once, so consumers must tolerate a task arriving twice.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Task is one unit of deferred work.
type Task struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
}

// Queue is a delayed task queue.
type Queue interface {
	// Enqueue schedules the task to become due after delay.
	Enqueue(ctx context.Context, task Task, delay time.Duration) error

	// Claim removes and returns up to limit due tasks.
	Claim(ctx context.Context, limit int) ([]Task, error)

	// Len reports the number of scheduled tasks, due or not.
	Len(ctx context.Context) (int64, error)
}
