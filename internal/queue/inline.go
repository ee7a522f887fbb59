package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Inline is the fallback backend used when no broker database is
// configured: Enqueue resolves the handler and executes it on the
// calling goroutine, blocking until a terminal outcome. Retry
// classification matches the broker exactly - a transient failure is
// retried up to the attempt ceiling, a permanent failure is not - so a
// single-threaded caller drives the chunk-state store through the same
// transitions the broker path would, just without the delays.
type Inline struct {
	registry *tasks.Registry
	cfg      config.QueueConfig
	log      zerolog.Logger
}

// NewInline creates the in-process synchronous backend.
func NewInline(registry *tasks.Registry, cfg config.QueueConfig, log zerolog.Logger) *Inline {
	return &Inline{
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "inline_queue").Logger(),
	}
}

// Enqueue executes the task immediately and surfaces its terminal
// result to the caller. The returned error corresponds to the task
// ending dead-lettered on the broker path; nil corresponds to
// succeeded.
func (q *Inline) Enqueue(ctx context.Context, task *tasks.Task) error {
	if task.Expired(time.Now().UTC()) {
		task.State = tasks.StateDeadLettered
		return fmt.Errorf("task %s expired before execution", task.Handler)
	}

	handler, err := q.registry.Resolve(task.Handler)
	if err != nil {
		task.State = tasks.StateDeadLettered
		return err
	}

	var lastErr error
	for task.Attempts < task.MaxAttempts {
		task.Attempts++
		task.State = tasks.StateRunning

		execCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskTimeout)
		lastErr = tasks.Run(execCtx, handler, task.Payload)
		cancel()

		if lastErr == nil {
			task.State = tasks.StateSucceeded
			return nil
		}

		if tasks.IsPermanent(lastErr) {
			break
		}

		q.log.Warn().
			Str("handler", task.Handler).
			Int("attempts", task.Attempts).
			Msg("Inline task attempt failed, retrying")
	}

	task.State = tasks.StateDeadLettered
	return fmt.Errorf("task %s failed after %d attempts: %w", task.Handler, task.Attempts, lastErr)
}
