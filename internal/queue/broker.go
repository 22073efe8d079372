// Package queue implements a durable task queue on SQLite. Tasks are
// delivered at least once: a task is deleted only after its handler
// succeeds, and a task whose lease runs out is handed to another worker.
// Failed tasks are retried after a fixed delay until their retry budget is
// spent, then kept as dead tasks for an operator to inspect or requeue.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nickcecere/ragsync/internal/store"
	"github.com/nickcecere/ragsync/internal/store/migrations"
)

// ErrNoTask is returned by Claim when no task is ready.
var ErrNoTask = errors.New("no task available")

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("task not found")

// State is the state of a stored task.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDead    State = "dead"
)

// Task is one stored unit of work.
type Task struct {
	ID          string
	Queue       string
	Payload     []byte
	State       State
	Attempts    int
	MaxRetries  int
	AvailableAt time.Time
	LeasedUntil time.Time
	LastError   string
	CreatedAt   time.Time
}

// Stats counts the tasks of one queue by state.
type Stats struct {
	Queue   string
	Pending int
	Running int
	Dead    int
}

// Broker stores the tasks of every queue in one database.
type Broker struct {
	db     *sql.DB
	now    func() time.Time
	logger *log.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithClock replaces the broker's clock.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// Open opens the queue database at dbPath.
func Open(dbPath string, opts ...BrokerOption) (*Broker, error) {
	db, err := store.OpenDB(dbPath, migrations.Queue)
	if err != nil {
		return nil, err
	}

	b := &Broker{db: db, now: time.Now, logger: log.WithPrefix("queue")}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close closes the database connection.
func (b *Broker) Close() error {
	return b.db.Close()
}

// Enqueue stores a new pending task and returns its id.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload []byte, maxRetries int) (string, error) {
	id := uuid.NewString()
	now := b.now().UnixNano()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, payload, state, attempts, max_retries, available_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, id, queue, payload, string(StatePending), maxRetries, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s task: %w", queue, err)
	}
	return id, nil
}

const taskColumns = `id, queue, payload, state, attempts, max_retries, available_at, leased_until, last_error, created_at`

// Claim leases the next ready task of a queue. Pending tasks whose delay has
// passed and running tasks whose lease expired are both ready. An expired
// task that has already run MaxRetries+1 times is buried instead.
func (b *Broker) Claim(ctx context.Context, queue string, lease time.Duration) (*Task, error) {
	now := b.now()

	buried, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, leased_until = 0,
			last_error = 'lease expired after ' || attempts || ' attempts'
		WHERE queue = ? AND state = ? AND leased_until <= ? AND attempts > max_retries
	`, string(StateDead), queue, string(StateRunning), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to bury expired %s tasks: %w", queue, err)
	}
	if n, _ := buried.RowsAffected(); n > 0 {
		b.logger.Error("Buried tasks whose lease expired on their last attempt", "queue", queue, "tasks", n)
	}

	row := b.db.QueryRowContext(ctx, `
		UPDATE tasks SET state = ?, attempts = attempts + 1, leased_until = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = ? AND (
				(state = ? AND available_at <= ?) OR
				(state = ? AND leased_until <= ?)
			)
			ORDER BY available_at, created_at
			LIMIT 1
		)
		RETURNING `+taskColumns,
		string(StateRunning), now.Add(lease).UnixNano(),
		queue, string(StatePending), now.UnixNano(), string(StateRunning), now.UnixNano())

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s task: %w", queue, err)
	}
	return task, nil
}

// Complete removes a finished task.
func (b *Broker) Complete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The task becomes pending again after delay,
// or dead once it has run more than MaxRetries+1 times. It reports whether
// the task is now dead.
func (b *Broker) Fail(ctx context.Context, task *Task, cause error, delay time.Duration) (bool, error) {
	if task.Attempts > task.MaxRetries {
		return true, b.Bury(ctx, task.ID, cause)
	}

	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, available_at = ?, leased_until = 0, last_error = ?
		WHERE id = ?
	`, string(StatePending), b.now().Add(delay).UnixNano(), errorText(cause), task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule task %s: %w", task.ID, err)
	}
	return false, nil
}

// Bury marks a task dead regardless of its remaining retries.
func (b *Broker) Bury(ctx context.Context, id string, cause error) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, leased_until = 0, last_error = ? WHERE id = ?
	`, string(StateDead), errorText(cause), id)
	if err != nil {
		return fmt.Errorf("failed to bury task %s: %w", id, err)
	}
	return nil
}

// Release returns a leased task to pending without counting the attempt.
func (b *Broker) Release(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, attempts = MAX(attempts - 1, 0), leased_until = 0
		WHERE id = ? AND state = ?
	`, string(StatePending), id, string(StateRunning))
	if err != nil {
		return fmt.Errorf("failed to release task %s: %w", id, err)
	}
	return nil
}

// Requeue makes a dead task pending again with a fresh retry budget.
func (b *Broker) Requeue(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, attempts = 0, available_at = ?, leased_until = 0
		WHERE id = ? AND state = ?
	`, string(StatePending), b.now().UnixNano(), id, string(StateDead))
	if err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no dead task with id %s", ErrTaskNotFound, id)
	}
	return nil
}

// Get returns a task by id.
func (b *Broker) Get(ctx context.Context, id string) (*Task, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// DeadTasks lists dead tasks, oldest first. An empty queue name lists the
// dead tasks of every queue.
func (b *Broker) DeadTasks(ctx context.Context, queue string) ([]Task, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = ? AND (? = '' OR queue = ?)
		ORDER BY created_at
	`, string(StateDead), queue, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Stats counts tasks per queue and state.
func (b *Broker) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT queue, state, COUNT(*) FROM tasks GROUP BY queue, state ORDER BY queue
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var stats []Stats
	for rows.Next() {
		var queue, state string
		var n int
		if err := rows.Scan(&queue, &state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].Queue != queue {
			stats = append(stats, Stats{Queue: queue})
		}
		s := &stats[len(stats)-1]
		switch State(state) {
		case StatePending:
			s.Pending = n
		case StateRunning:
			s.Running = n
		case StateDead:
			s.Dead = n
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var state string
	var availableAt, leasedUntil, createdAt int64

	if err := row.Scan(&t.ID, &t.Queue, &t.Payload, &state, &t.Attempts, &t.MaxRetries,
		&availableAt, &leasedUntil, &t.LastError, &createdAt); err != nil {
		return nil, err
	}

	t.State = State(state)
	t.AvailableAt = time.Unix(0, availableAt)
	if leasedUntil > 0 {
		t.LeasedUntil = time.Unix(0, leasedUntil)
	}
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
