package queue

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// HandlerFunc processes one claimed task. Returning an error only logs;
// rescheduling is the handler's responsibility since it owns the
// backoff policy.
type HandlerFunc func(ctx context.Context, task Task) error

// Consumer polls a Queue and hands due tasks to a handler.
type Consumer struct {
	queue    Queue
	handle   HandlerFunc
	interval time.Duration
	batch    int
	log      logr.Logger
}

func NewConsumer(q Queue, handle HandlerFunc, interval time.Duration, log logr.Logger) *Consumer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{queue: q, handle: handle, interval: interval, batch: 10, log: log}
}

// Run polls until the context is canceled. It drains all currently due
// tasks each tick before sleeping again.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Consumer) drain(ctx context.Context) {
	for {
		tasks, err := c.queue.Claim(ctx, c.batch)
		if err != nil {
			c.log.Error(err, "claiming due tasks")
			return
		}
		if len(tasks) == 0 {
			return
		}
		for _, t := range tasks {
			if err := c.handle(ctx, t); err != nil {
				c.log.Error(err, "task handler failed", "task", t.ID, "kind", t.Kind, "attempt", t.Attempt)
			}
		}
	}
}
