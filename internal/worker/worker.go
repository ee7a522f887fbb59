// Package worker runs the per-queue pull loops that execute broker
// tasks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/queue"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Worker serves one queue with a bounded pool of concurrent
// executions. Handlers block on downstream I/O, so each slot in the
// pool runs its own dequeue-execute-report loop; a failure in a
// handler never terminates the loop.
type Worker struct {
	queueName string
	width     int
	broker    *queue.Broker
	registry  *tasks.Registry
	cfg       config.QueueConfig
	log       zerolog.Logger

	wg sync.WaitGroup
}

// New creates a worker for one queue. Width is the number of tasks the
// worker executes concurrently.
func New(queueName string, width int, broker *queue.Broker, registry *tasks.Registry, cfg config.QueueConfig, log zerolog.Logger) *Worker {
	if width <= 0 {
		width = 1
	}
	return &Worker{
		queueName: queueName,
		width:     width,
		broker:    broker,
		registry:  registry,
		cfg:       cfg,
		log:       log.With().Str("component", "worker").Str("queue", queueName).Logger(),
	}
}

// Start launches the pull loops. They run until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Int("width", w.width).Msg("Worker started")
	for i := 0; i < w.width; i++ {
		slotID := fmt.Sprintf("%s-%s", w.queueName, uuid.New().String()[:8])
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx, slotID)
		}()
	}
}

// Wait blocks until all pull loops have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
	w.log.Info().Msg("Worker stopped")
}

func (w *Worker) loop(ctx context.Context, slotID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.broker.Dequeue(ctx, w.queueName, slotID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Dequeue failed")
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if task == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.execute(ctx, task)
	}
}

// execute resolves and runs one task, then reports the outcome back to
// the broker. Every path ends in a terminal state transition: ack,
// retry_scheduled or dead_lettered.
func (w *Worker) execute(ctx context.Context, task *tasks.Task) {
	handler, err := w.registry.Resolve(task.Handler)
	if err != nil {
		// Unregistered handler names are permanent failures.
		if failErr := w.broker.Fail(ctx, task, tasks.Permanent(err)); failErr != nil {
			w.log.Error().Err(failErr).Str("task_id", task.ID).Msg("Failed to report unknown handler")
		}
		return
	}

	// A task that exceeds its deadline is failed, not abandoned: the
	// deadline stays inside the lease so the broker sees the failure
	// before the lease would be reclaimed.
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	start := time.Now()
	runErr := tasks.Run(execCtx, handler, task.Payload)
	cancel()

	if runErr == nil {
		if err := w.broker.Ack(ctx, task.ID); err != nil {
			w.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to ack task")
		}
		w.log.Debug().
			Str("task_id", task.ID).
			Str("handler", task.Handler).
			Dur("elapsed", time.Since(start)).
			Msg("Task succeeded")
		return
	}

	if execCtx.Err() == context.DeadlineExceeded {
		runErr = fmt.Errorf("task exceeded %s deadline: %w", w.cfg.TaskTimeout, runErr)
	}

	w.log.Error().
		Err(runErr).
		Str("task_id", task.ID).
		Str("handler", task.Handler).
		Int("attempts", task.Attempts).
		Msg("Task failed")

	if err := w.broker.Fail(ctx, task, runErr); err != nil {
		w.log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to report task failure")
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
