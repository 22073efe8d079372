package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type job struct {
	Name string `json:"name"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupBroker(t *testing.T) (*Broker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b, err := Open(filepath.Join(t.TempDir(), "queue.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, clock
}

func testOptions() Options {
	return Options{MaxRetries: 2, RetryDelay: 10 * time.Second, Lease: time.Hour, PollInterval: 10 * time.Millisecond}
}

func TestProcessOneSuccess(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()
	q := New[job](b, "scan", testOptions())

	id, err := q.Enqueue(ctx, job{Name: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var got []string
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, j job) error {
		got = append(got, j.Name)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"u1"}, got)

	// Completed tasks are removed
	_, err = b.Get(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	processed, err = q.ProcessOne(ctx, func(ctx context.Context, j job) error { return nil })
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestQueuesAreIsolated(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()

	_, err := New[job](b, "scan", testOptions()).Enqueue(ctx, job{Name: "u1"})
	require.NoError(t, err)

	processed, err := New[job](b, "ingestion", testOptions()).ProcessOne(ctx, func(ctx context.Context, j job) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRetryWithFixedDelayThenDead(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()
	q := New[job](b, "ingestion", testOptions())

	id, err := q.Enqueue(ctx, job{Name: "a.pdf"})
	require.NoError(t, err)

	calls := 0
	failing := func(ctx context.Context, j job) error {
		calls++
		return errors.New("index unreachable")
	}

	// First attempt fails and is rescheduled
	processed, err := q.ProcessOne(ctx, failing)
	require.NoError(t, err)
	require.True(t, processed)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "index unreachable", task.LastError)

	// Not ready before the delay has passed
	clock.Advance(9 * time.Second)
	processed, err = q.ProcessOne(ctx, failing)
	require.NoError(t, err)
	assert.False(t, processed)

	// Two retries are allowed
	for i := 0; i < 2; i++ {
		clock.Advance(10 * time.Second)
		processed, err = q.ProcessOne(ctx, failing)
		require.NoError(t, err)
		require.True(t, processed)
	}
	assert.Equal(t, 3, calls)

	task, err = b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, task.State)

	// Dead tasks are not delivered again
	clock.Advance(time.Hour)
	processed, err = q.ProcessOne(ctx, failing)
	require.NoError(t, err)
	assert.False(t, processed)

	dead, err := b.DeadTasks(ctx, "ingestion")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)

	// Operator requeue gives a fresh budget
	require.NoError(t, b.Requeue(ctx, id))
	processed, err = q.ProcessOne(ctx, func(ctx context.Context, j job) error { return nil })
	require.NoError(t, err)
	assert.True(t, processed)

	assert.ErrorIs(t, b.Requeue(ctx, id), ErrTaskNotFound)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	_, err := New[job](b, "extraction", testOptions()).Enqueue(ctx, job{Name: "a.pdf"})
	require.NoError(t, err)

	// A worker claims the task and never reports back
	task, err := b.Claim(ctx, "extraction", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, task.State)

	_, err = b.Claim(ctx, "extraction", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)

	clock.Advance(2 * time.Minute)
	again, err := b.Claim(ctx, "extraction", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestExpiredLeaseOnLastAttemptIsBuried(t *testing.T) {
	b, clock := setupBroker(t)
	ctx := context.Background()

	// One retry allowed: two executions in total.
	id, err := b.Enqueue(ctx, "ingestion", []byte(`{"name":"crash.pdf"}`), 1)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		task, err := b.Claim(ctx, "ingestion", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, id, task.ID)
		clock.Advance(2 * time.Minute)
	}

	_, err = b.Claim(ctx, "ingestion", time.Minute)
	assert.ErrorIs(t, err, ErrNoTask)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, task.State)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.LastError, "lease expired after 2 attempts")

	dead, err := b.DeadTasks(ctx, "ingestion")
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestUndecodablePayloadIsBuried(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "scan", []byte("not json"), 3)
	require.NoError(t, err)

	processed, err := New[job](b, "scan", testOptions()).ProcessOne(ctx, func(ctx context.Context, j job) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, task.State)
	assert.Contains(t, task.LastError, "decode payload")
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()
	q := New[job](b, "scan", testOptions())

	id, err := q.Enqueue(ctx, job{Name: "u1"})
	require.NoError(t, err)

	processed, err := q.ProcessOne(ctx, func(ctx context.Context, j job) error {
		panic("boom")
	})
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Contains(t, task.LastError, "handler panic: boom")
}

func TestInterruptedTaskIsReleased(t *testing.T) {
	b, _ := setupBroker(t)
	q := New[job](b, "scan", testOptions())

	id, err := q.Enqueue(context.Background(), job{Name: "u1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, j job) error {
		cancel()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := b.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, 0, task.Attempts)
}

func TestStats(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()

	scan := New[job](b, "scan", Options{MaxRetries: 0})
	ingest := New[job](b, "ingestion", testOptions())

	_, err := scan.Enqueue(ctx, job{Name: "u1"})
	require.NoError(t, err)
	_, err = ingest.Enqueue(ctx, job{Name: "a"})
	require.NoError(t, err)
	_, err = ingest.Enqueue(ctx, job{Name: "b"})
	require.NoError(t, err)

	// No retries: a single failure kills the task
	_, err = scan.ProcessOne(ctx, func(ctx context.Context, j job) error { return errors.New("x") })
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Stats{
		{Queue: "ingestion", Pending: 2},
		{Queue: "scan", Dead: 1},
	}, stats)
}

func TestConsume(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer b.Close()

	q := New[job](b, "scan", testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, job{Name: "u"})
		require.NoError(t, err)
	}

	var count atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 4, func(ctx context.Context, j job) error {
			count.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return count.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestDrain(t *testing.T) {
	b, _ := setupBroker(t)
	ctx := context.Background()
	q := New[job](b, "scan", testOptions())

	for _, name := range []string{"u1", "u2", "u3"} {
		_, err := q.Enqueue(ctx, job{Name: name})
		require.NoError(t, err)
	}

	var names []string
	n, err := q.Drain(ctx, func(ctx context.Context, j job) error {
		names = append(names, j.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, names)
}
