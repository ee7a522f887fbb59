// Package dispatch runs the periodic pass that turns uploaded chunks
// into queued work. A pass claims each chunk before enqueueing its
// tasks, so repeated or overlapping passes never dispatch the same
// chunk twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/pipeline"
	"github.com/reyvababtista/beiwe-backend-fork/internal/queue"
	"github.com/reyvababtista/beiwe-backend-fork/internal/reliability"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Cadence names accepted by Run and by the dispatch CLI.
const (
	CadenceFiveMinutes = "five_minutes"
	CadenceHourly      = "hourly"
	CadenceDaily       = "daily"
)

// lockName is the singleton lock shared by all cadences. Two passes
// must never interleave, regardless of which cadence triggered them.
const lockName = "dispatch"

// ErrLockHeld is returned by Run when another instance holds the
// dispatch lock and the pass was refused. The cron scheduler treats it
// as a quiet skip; the dispatch CLI exits non-zero on it so the
// invoking timer can tell a refused pass from a clean one.
var ErrLockHeld = errors.New("dispatch lock held by another instance")

// Stats summarizes one dispatch pass.
type Stats struct {
	Studies       int
	Claimed       int
	Enqueued      int
	Skipped       int // Chunks another pass claimed first
	FailedStudies int
}

// Dispatcher walks active studies and enqueues work for their
// uploaded chunks.
type Dispatcher struct {
	store   *study.Store
	backend queue.Backend
	broker  *queue.Broker // nil in inline mode; used only for maintenance
	maint   *reliability.Maintenance
	lock    *Lock
	queues  config.QueueConfig
	lockTTL time.Duration
	holder  string
	log     zerolog.Logger
}

// New creates a dispatcher. broker may be nil when the inline backend
// is in use; the daily maintenance pass then has nothing to purge.
// maint may be nil to skip database maintenance entirely.
func New(store *study.Store, backend queue.Backend, broker *queue.Broker, maint *reliability.Maintenance, lock *Lock, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		backend: backend,
		broker:  broker,
		maint:   maint,
		lock:    lock,
		queues:  cfg.Queues,
		lockTTL: cfg.Dispatch.LockTTL,
		holder:  uuid.New().String(),
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run executes one pass for the named cadence. It returns ErrLockHeld
// when another instance holds the dispatch lock; that pass is not ours
// to run.
func (d *Dispatcher) Run(ctx context.Context, cadence string) (*Stats, error) {
	switch cadence {
	case CadenceFiveMinutes, CadenceHourly, CadenceDaily:
	default:
		return nil, fmt.Errorf("unknown cadence %q", cadence)
	}

	acquired, err := d.lock.Acquire(ctx, lockName, d.holder, d.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		d.log.Info().Str("cadence", cadence).Msg("Dispatch lock held elsewhere, pass refused")
		return nil, ErrLockHeld
	}
	defer func() {
		if err := d.lock.Release(context.WithoutCancel(ctx), lockName, d.holder); err != nil {
			d.log.Error().Err(err).Msg("Failed to release dispatch lock")
		}
	}()

	start := time.Now()
	stats, err := d.pass(ctx)
	if err != nil {
		return stats, err
	}

	if cadence == CadenceDaily {
		d.maintenance(ctx)
	}

	d.log.Info().
		Str("cadence", cadence).
		Int("studies", stats.Studies).
		Int("claimed", stats.Claimed).
		Int("enqueued", stats.Enqueued).
		Int("skipped", stats.Skipped).
		Int("failed_studies", stats.FailedStudies).
		Dur("elapsed", time.Since(start)).
		Msg("Dispatch pass complete")
	return stats, nil
}

// pass claims and dispatches every uploaded chunk of every active
// study. A failure inside one study is logged and counted but does not
// stop the other studies from being dispatched.
func (d *Dispatcher) pass(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	studies, err := d.store.ActiveStudies(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list active studies: %w", err)
	}
	stats.Studies = len(studies)

	for _, st := range studies {
		if err := d.dispatchStudy(ctx, st, stats); err != nil {
			stats.FailedStudies++
			d.log.Error().Err(err).Str("study_id", st.ID).Msg("Study dispatch failed")
		}
	}
	return stats, nil
}

func (d *Dispatcher) dispatchStudy(ctx context.Context, st *study.Study, stats *Stats) error {
	participants, err := d.store.ActiveParticipants(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}

	for _, p := range participants {
		chunks, err := d.store.UploadedChunks(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to list chunks of participant %s: %w", p.ID, err)
		}

		for _, chunk := range chunks {
			won, err := d.store.Claim(ctx, chunk.ID)
			if err != nil {
				return fmt.Errorf("failed to claim chunk %s: %w", chunk.ID, err)
			}
			if !won {
				stats.Skipped++
				continue
			}
			stats.Claimed++

			n, err := d.enqueueChunkTasks(ctx, st, p, chunk)
			stats.Enqueued += n
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// enqueueChunkTasks enqueues the data processing task for a claimed
// chunk, plus the notification and analytics tasks when the study asks
// for them. The chunk is already claimed, so a partial failure here is
// safe: the processing handler is a no-op for anything not in the
// claimed state, and an unprocessed claimed chunk is visible in the
// operator report.
func (d *Dispatcher) enqueueChunkTasks(ctx context.Context, st *study.Study, p *study.Participant, chunk *study.Chunk) (int, error) {
	enqueued := 0

	chunkArgs := pipeline.ChunkTaskArgs{ChunkID: chunk.ID, StudyID: st.ID}

	task, err := tasks.New(tasks.QueueDataProcessing, pipeline.HandlerProcessChunk, chunkArgs, d.queues.MaxAttempts)
	if err != nil {
		return enqueued, err
	}
	if err := d.backend.Enqueue(ctx, task); err != nil {
		return enqueued, fmt.Errorf("failed to enqueue processing of chunk %s: %w", chunk.ID, err)
	}
	enqueued++

	if st.PushEnabled && p.FCMToken != "" {
		notifyArgs := pipeline.NotificationTaskArgs{ParticipantID: p.ID, DataType: chunk.DataType}
		task, err := tasks.New(tasks.QueuePushNotifications, pipeline.HandlerSendNotification, notifyArgs, d.queues.MaxAttempts)
		if err != nil {
			return enqueued, err
		}
		// A stale "new data" push is worse than no push.
		task.WithTTL(d.queues.NotificationTTL)
		if err := d.backend.Enqueue(ctx, task); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue notification for chunk %s: %w", chunk.ID, err)
		}
		enqueued++
	}

	if st.WantsAnalytics(chunk.DataType) {
		task, err := tasks.New(tasks.QueueAnalytics, pipeline.HandlerRunAnalytics, chunkArgs, d.queues.MaxAttempts)
		if err != nil {
			return enqueued, err
		}
		if err := d.backend.Enqueue(ctx, task); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue analytics for chunk %s: %w", chunk.ID, err)
		}
		enqueued++
	}

	return enqueued, nil
}

// maintenance runs the daily housekeeping: dead letters older than a
// week are purged from the broker, and the databases get their
// integrity check, checkpoint and backup.
func (d *Dispatcher) maintenance(ctx context.Context) {
	if d.broker != nil {
		purged, err := d.broker.PurgeDeadLetters(ctx, 7*24*time.Hour)
		if err != nil {
			d.log.Error().Err(err).Msg("Dead letter purge failed")
		} else if purged > 0 {
			d.log.Info().Int64("purged", purged).Msg("Purged old dead letters")
		}
	}

	if d.maint != nil {
		if err := d.maint.Run(ctx); err != nil {
			d.log.Error().Err(err).Msg("Database maintenance reported errors")
		}
	}
}
