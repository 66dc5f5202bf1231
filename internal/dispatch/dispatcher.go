package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	"github.com/tidehook/tidehook/internal/queue"
	"github.com/tidehook/tidehook/internal/store"
	"github.com/tidehook/tidehook/pkg/types"
)

const taskKindRetry = "event_retry"

// Options tune retry behavior. Zero values take the defaults.
type Options struct {
	HandlerTimeout time.Duration // per-handler deadline, default 30s
	MaxAttempts    int           // total attempts including the first, default 5
	BaseDelay      time.Duration // first retry delay, default 1s
	MaxDelay       time.Duration // backoff cap, default 60s
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HandlerTimeout <= 0 {
		out.HandlerTimeout = 30 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 60 * time.Second
	}
	return out
}

// Dispatcher runs matching handlers for an event and owns the retry
// lifecycle: failed events are marked in the store and rescheduled with
// exponential backoff until the attempt ceiling.
type Dispatcher struct {
	registry *Registry
	events   *store.EventStore
	queue    queue.Queue
	opts     Options
	log      logr.Logger
}

func New(registry *Registry, events *store.EventStore, q queue.Queue, opts Options, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		events:   events,
		queue:    q,
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// Dispatch runs the event through its handlers. Events with no matching
// handler succeed as no-ops. On handler failure the event is marked
// failed, a retry is scheduled when attempts remain, and the handler
// error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *Event) error {
	if evt.Attempt <= 0 {
		evt.Attempt = 1
	}
	handlers := d.registry.Match(evt.Provider, evt.EventType)
	if len(handlers) == 0 {
		eventsDispatched.WithLabelValues(string(evt.Provider), "unhandled").Inc()
		if err := d.events.MarkProcessed(ctx, evt.Provider, evt.EventID); err != nil {
			return err
		}
		return nil
	}

	start := time.Now()
	err := d.run(ctx, handlers, evt)
	handlerDuration.WithLabelValues(string(evt.Provider), evt.EventType).Observe(time.Since(start).Seconds())

	if err != nil {
		eventsDispatched.WithLabelValues(string(evt.Provider), "error").Inc()
		return d.fail(ctx, evt, err)
	}

	eventsDispatched.WithLabelValues(string(evt.Provider), "ok").Inc()
	return d.events.MarkProcessed(ctx, evt.Provider, evt.EventID)
}

func (d *Dispatcher) run(ctx context.Context, handlers []Handler, evt *Event) error {
	hctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	for _, h := range handlers {
		if err := h(hctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, evt *Event, handlerErr error) error {
	if err := d.events.MarkFailed(ctx, evt.Provider, evt.EventID, handlerErr.Error()); err != nil {
		d.log.Error(err, "recording handler failure", "provider", evt.Provider, "event", evt.EventID)
	}

	if evt.Attempt >= d.opts.MaxAttempts {
		retriesExhausted.WithLabelValues(string(evt.Provider)).Inc()
		d.log.Info("event exhausted retry attempts",
			"provider", evt.Provider, "event", evt.EventID, "attempts", evt.Attempt)
		return handlerErr
	}

	delay := Backoff(d.opts.BaseDelay, d.opts.MaxDelay, evt.Attempt)
	payload, err := json.Marshal(retryPayload{Provider: evt.Provider, EventID: evt.EventID})
	if err != nil {
		return errors.Join(handlerErr, err)
	}
	task := queue.Task{
		ID:      fmt.Sprintf("%s/%s", evt.Provider, evt.EventID),
		Kind:    taskKindRetry,
		Payload: payload,
		Attempt: evt.Attempt + 1,
	}
	if err := d.queue.Enqueue(ctx, task, delay); err != nil {
		d.log.Error(err, "scheduling retry", "provider", evt.Provider, "event", evt.EventID)
		return errors.Join(handlerErr, err)
	}
	retriesScheduled.WithLabelValues(string(evt.Provider)).Inc()
	d.log.Info("retry scheduled",
		"provider", evt.Provider, "event", evt.EventID, "attempt", evt.Attempt+1, "delay", delay.String())
	return handlerErr
}

type retryPayload struct {
	Provider types.Provider `json:"provider"`
	EventID  string         `json:"event_id"`
}

// HandleRetry is the queue consumer entry point. It reloads the event
// from the store so the payload retried is the payload received, and
// skips events a concurrent path already processed.
func (d *Dispatcher) HandleRetry(ctx context.Context, task queue.Task) error {
	if task.Kind != taskKindRetry {
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
	var rp retryPayload
	if err := json.Unmarshal(task.Payload, &rp); err != nil {
		return fmt.Errorf("decoding retry task %s: %w", task.ID, err)
	}

	evt, err := d.events.Get(ctx, rp.Provider, rp.EventID)
	if err != nil {
		return fmt.Errorf("loading event for retry: %w", err)
	}
	if evt.Processed {
		return nil
	}
	return d.Dispatch(ctx, &Event{
		Provider:  evt.Provider,
		EventID:   evt.EventID,
		EventType: evt.EventType,
		Payload:   evt.Payload,
		Attempt:   task.Attempt,
	})
}

// Backoff is base*2^(attempt-1) capped at max, with ±20% jitter so a
// burst of failures fans back out instead of retrying in lockstep.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}
