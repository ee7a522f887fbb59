package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// enqueueAttempts bounds the retry loop around a failed enqueue. A
// busy database gets a few short-delay retries before the error
// surfaces to the caller.
const enqueueAttempts = 4

// Broker is the durable queue backend. Tasks are rows in a shared
// SQLite database; dequeue is a single atomic UPDATE that claims the
// row and stamps a lease, so each task is delivered to exactly one
// worker at a time. Workers in other processes pointed at the same
// database file pull from the same queue.
type Broker struct {
	db  *sql.DB
	cfg config.QueueConfig
	log zerolog.Logger
}

// NewBroker creates a broker-backed queue on the given database.
func NewBroker(db *sql.DB, cfg config.QueueConfig, log zerolog.Logger) *Broker {
	return &Broker{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "broker").Logger(),
	}
}

// Enqueue durably appends the task to its queue and returns. Transient
// database errors are retried a few times before failing the call; a
// task is never silently dropped.
func (b *Broker) Enqueue(ctx context.Context, task *tasks.Task) error {
	var expiresAt interface{}
	if task.ExpiresAt != nil {
		expiresAt = task.ExpiresAt.UnixMilli()
	}

	var err error
	for i := 0; i < enqueueAttempts; i++ {
		_, err = b.db.ExecContext(ctx, `
			INSERT INTO tasks (id, queue, handler, payload, state, attempts, max_attempts, created_at, available_at, expires_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
			task.ID, task.Queue, task.Handler, task.Payload, string(tasks.StatePending),
			task.MaxAttempts, task.CreatedAt.UnixMilli(), task.AvailableAt.UnixMilli(), expiresAt,
		)
		if err == nil {
			b.log.Debug().
				Str("task_id", task.ID).
				Str("queue", task.Queue).
				Str("handler", task.Handler).
				Msg("Task enqueued")
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}

	return fmt.Errorf("failed to enqueue task %s on %s: %w", task.Handler, task.Queue, err)
}

// Dequeue claims the next available task on a queue for the given
// worker, or returns nil when the queue has nothing ready. A task is
// available when it is pending, when its retry delay has elapsed, or
// when a previous worker's lease on it has expired (crashed worker
// recovery). The claim, attempt increment and lease stamp are one
// atomic statement.
func (b *Broker) Dequeue(ctx context.Context, queue, workerID string) (*tasks.Task, error) {
	for {
		now := time.Now().UTC()
		leaseExpiry := now.Add(b.cfg.LeaseDuration).UnixMilli()
		nowMs := now.UnixMilli()

		row := b.db.QueryRowContext(ctx, `
			UPDATE tasks SET
				state = ?,
				attempts = attempts + 1,
				leased_by = ?,
				lease_expires_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE queue = ?
				  AND (
					(state = ? AND available_at <= ?)
					OR (state = ? AND available_at <= ?)
					OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
				  )
				ORDER BY available_at
				LIMIT 1
			)
			RETURNING id, queue, handler, payload, attempts, max_attempts, last_error, created_at, available_at, expires_at`,
			string(tasks.StateRunning), workerID, leaseExpiry,
			queue,
			string(tasks.StatePending), nowMs,
			string(tasks.StateRetryScheduled), nowMs,
			string(tasks.StateRunning), nowMs,
		)

		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
		}
		task.State = tasks.StateRunning

		// A reclaimed task that already burned its last attempt is
		// dead-lettered instead of delivered: a worker crashing on
		// every attempt must not run the task past the ceiling.
		if task.Attempts > task.MaxAttempts {
			if err := b.markDeadLettered(ctx, task.ID, "attempt ceiling reached after lease expiry"); err != nil {
				return nil, err
			}
			b.log.Warn().
				Str("task_id", task.ID).
				Str("handler", task.Handler).
				Int("attempts", task.Attempts).
				Msg("Reclaimed task past attempt ceiling, dead-lettered")
			continue
		}

		// Expired tasks are dead-lettered at dequeue time instead of
		// being executed late (push notifications in particular must
		// not fire long after their window).
		if task.Expired(now) {
			if err := b.markDeadLettered(ctx, task.ID, "expired before execution"); err != nil {
				return nil, err
			}
			b.log.Warn().
				Str("task_id", task.ID).
				Str("handler", task.Handler).
				Msg("Task expired before execution, dead-lettered")
			continue
		}

		return task, nil
	}
}

// Ack marks a task as succeeded.
func (b *Broker) Ack(ctx context.Context, taskID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, finished_at = ?, lease_expires_at = NULL
		WHERE id = ?`,
		string(tasks.StateSucceeded), time.Now().UTC().UnixMilli(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to ack task %s: %w", taskID, err)
	}
	return nil
}

// Fail reports a handler failure and moves the task to its next state:
// retry_scheduled with exponential backoff, or dead_lettered once the
// attempt ceiling is reached or the error is permanent.
func (b *Broker) Fail(ctx context.Context, task *tasks.Task, taskErr error) error {
	reason := taskErr.Error()

	if tasks.IsPermanent(taskErr) || task.Attempts >= task.MaxAttempts {
		if err := b.markDeadLettered(ctx, task.ID, reason); err != nil {
			return err
		}
		b.log.Warn().
			Str("task_id", task.ID).
			Str("handler", task.Handler).
			Int("attempts", task.Attempts).
			Bool("permanent", tasks.IsPermanent(taskErr)).
			Msg("Task dead-lettered")
		return nil
	}

	delay := Backoff(b.cfg.BackoffBase, b.cfg.BackoffCap, task.Attempts)
	availableAt := time.Now().UTC().Add(delay).UnixMilli()

	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, available_at = ?, last_error = ?, lease_expires_at = NULL
		WHERE id = ?`,
		string(tasks.StateRetryScheduled), availableAt, reason, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for task %s: %w", task.ID, err)
	}

	b.log.Info().
		Str("task_id", task.ID).
		Str("handler", task.Handler).
		Int("attempts", task.Attempts).
		Dur("retry_in", delay).
		Msg("Task retry scheduled")
	return nil
}

func (b *Broker) markDeadLettered(ctx context.Context, taskID, reason string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, last_error = ?, finished_at = ?, lease_expires_at = NULL
		WHERE id = ?`,
		string(tasks.StateDeadLettered), reason, time.Now().UTC().UnixMilli(), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", taskID, err)
	}
	return nil
}

// Depth returns the number of tasks on a queue that are not yet in a
// terminal state.
func (b *Broker) Depth(ctx context.Context, queue string) (int, error) {
	var depth int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE queue = ? AND state IN (?, ?, ?)`,
		queue, string(tasks.StatePending), string(tasks.StateRetryScheduled), string(tasks.StateRunning),
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to measure depth of %s: %w", queue, err)
	}
	return depth, nil
}

// DeadLetters returns the most recent dead-lettered tasks for the
// operator report.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]*tasks.Task, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, queue, handler, payload, attempts, max_attempts, last_error, created_at, available_at, expires_at
		FROM tasks
		WHERE state = ?
		ORDER BY finished_at DESC
		LIMIT ?`,
		string(tasks.StateDeadLettered), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*tasks.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		task.State = tasks.StateDeadLettered
		result = append(result, task)
	}
	return result, rows.Err()
}

// PurgeDeadLetters deletes dead-lettered tasks older than the given
// age. Run from the daily maintenance cadence.
func (b *Broker) PurgeDeadLetters(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE state = ? AND finished_at IS NOT NULL AND finished_at < ?`,
		string(tasks.StateDeadLettered), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Get fetches a task by ID. The row is read in a single statement so
// the fields and the state always come from the same version of the
// task.
func (b *Broker) Get(ctx context.Context, taskID string) (*tasks.Task, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, queue, handler, payload, attempts, max_attempts, last_error, created_at, available_at, expires_at, state
		FROM tasks WHERE id = ?`, taskID)

	var (
		task        tasks.Task
		createdAt   int64
		availableAt int64
		expiresAt   sql.NullInt64
		state       string
	)
	err := row.Scan(
		&task.ID, &task.Queue, &task.Handler, &task.Payload,
		&task.Attempts, &task.MaxAttempts, &task.LastError,
		&createdAt, &availableAt, &expiresAt, &state,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	task.State = tasks.State(state)
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.AvailableAt = time.UnixMilli(availableAt).UTC()
	if expiresAt.Valid {
		ts := time.UnixMilli(expiresAt.Int64).UTC()
		task.ExpiresAt = &ts
	}
	return &task, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*tasks.Task, error) {
	var (
		task        tasks.Task
		createdAt   int64
		availableAt int64
		expiresAt   sql.NullInt64
	)
	err := s.Scan(
		&task.ID, &task.Queue, &task.Handler, &task.Payload,
		&task.Attempts, &task.MaxAttempts, &task.LastError,
		&createdAt, &availableAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.AvailableAt = time.UnixMilli(availableAt).UTC()
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		task.ExpiresAt = &t
	}
	return &task, nil
}
