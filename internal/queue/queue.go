package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Options configures delivery of one queue.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the fixed delay before a failed task is retried.
	RetryDelay time.Duration

	// Lease is how long a claimed task is reserved for one worker.
	Lease time.Duration

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration
}

// DefaultOptions returns the default delivery options.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		RetryDelay:   10 * time.Second,
		Lease:        time.Hour,
		PollInterval: time.Second,
	}
}

// Handler processes one payload. A returned error schedules a retry.
type Handler[T any] func(ctx context.Context, payload T) error

// Queue is a named queue carrying payloads of type T, encoded as JSON.
type Queue[T any] struct {
	broker *Broker
	name   string
	opts   Options
	logger *log.Logger
}

// New returns the queue called name on broker.
func New[T any](broker *Broker, name string, opts Options) *Queue[T] {
	defaults := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Lease <= 0 {
		opts.Lease = defaults.Lease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}

	return &Queue[T]{
		broker: broker,
		name:   name,
		opts:   opts,
		logger: log.WithPrefix("queue").With("queue", name),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Enqueue stores a payload and returns the task id.
func (q *Queue[T]) Enqueue(ctx context.Context, payload T) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", q.name, err)
	}
	return q.broker.Enqueue(ctx, q.name, data, q.opts.MaxRetries)
}

// ProcessOne claims one task and runs h on it. It reports whether a task
// was claimed. Handler failures are recorded on the task and are not
// returned; only broker errors are.
func (q *Queue[T]) ProcessOne(ctx context.Context, h Handler[T]) (bool, error) {
	task, err := q.broker.Claim(ctx, q.name, q.opts.Lease)
	if errors.Is(err, ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := q.logger.With("task", task.ID, "attempt", task.Attempts)

	var payload T
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		logger.Error("Dropping undecodable task", "error", err)
		return true, q.broker.Bury(context.WithoutCancel(ctx), task.ID, fmt.Errorf("decode payload: %w", err))
	}

	start := time.Now()
	herr := runHandler(ctx, h, payload)

	// Bookkeeping must land even if the worker is shutting down.
	bctx := context.WithoutCancel(ctx)

	if herr == nil {
		logger.Debug("Task done", "duration", time.Since(start).Round(time.Millisecond))
		return true, q.broker.Complete(bctx, task.ID)
	}

	if ctx.Err() != nil {
		logger.Debug("Task interrupted, releasing", "error", herr)
		return true, q.broker.Release(bctx, task.ID)
	}

	dead, err := q.broker.Fail(bctx, task, herr, q.opts.RetryDelay)
	if err != nil {
		return true, err
	}
	if dead {
		logger.Error("Task failed, retries exhausted", "error", herr)
	} else {
		logger.Warn("Task failed, will retry", "error", herr, "delay", q.opts.RetryDelay)
	}
	return true, nil
}

// Consume runs workers goroutines that process tasks until ctx is done.
func (q *Queue[T]) Consume(ctx context.Context, workers int, h Handler[T]) error {
	if workers <= 0 {
		workers = 1
	}

	q.logger.Debug("Starting workers", "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				processed, err := q.ProcessOne(gctx, h)
				if err != nil {
					q.logger.Error("Queue error", "error", err)
				}
				if processed && err == nil {
					continue
				}

				select {
				case <-gctx.Done():
					return nil
				case <-time.After(q.opts.PollInterval):
				}
			}
		})
	}

	return g.Wait()
}

// Drain processes tasks until none is ready. It returns the number of tasks
// processed.
func (q *Queue[T]) Drain(ctx context.Context, h Handler[T]) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := q.ProcessOne(ctx, h)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func runHandler[T any](ctx context.Context, h Handler[T], payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, payload)
}
