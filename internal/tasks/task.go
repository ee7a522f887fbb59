// Package tasks defines the task model shared by both queue backends
// and the write-once handler registry the workers resolve against.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Queue names. Each queue is served by its own worker loop with its
// own concurrency width.
const (
	QueueDataProcessing    = "data_processing"
	QueuePushNotifications = "push_notifications"
	QueueAnalytics         = "analytics"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending        State = "pending"
	StateRunning        State = "running"
	StateSucceeded      State = "succeeded"
	StateRetryScheduled State = "retry_scheduled"
	StateDeadLettered   State = "dead_lettered"
)

// Handler executes one unit of queued work. The payload is the
// msgpack-encoded argument blob the task was enqueued with.
type Handler func(ctx context.Context, payload []byte) error

// Task is an enqueued unit of work.
type Task struct {
	ID          string
	Queue       string
	Handler     string
	Payload     []byte
	State       State
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	AvailableAt time.Time
	ExpiresAt   *time.Time // Optional TTL; expired tasks are dead-lettered at dequeue
}

// New creates a pending task for the given queue and handler with an
// encoded payload.
func New(queue, handler string, payload interface{}, maxAttempts int) (*Task, error) {
	encoded, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", handler, err)
	}

	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Queue:       queue,
		Handler:     handler,
		Payload:     encoded,
		State:       StatePending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		AvailableAt: now,
	}, nil
}

// WithTTL sets an expiry on the task. Tasks past their expiry are not
// executed; they are dead-lettered with an "expired" reason.
func (t *Task) WithTTL(ttl time.Duration) *Task {
	expires := t.CreatedAt.Add(ttl)
	t.ExpiresAt = &expires
	return t
}

// Expired reports whether the task's TTL has passed.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// DecodePayload unpacks the task's payload into v.
func (t *Task) DecodePayload(v interface{}) error {
	return Decode(t.Handler, t.Payload, v)
}

// Decode unpacks an encoded payload into v. A payload that cannot be
// decoded will never decode on a later attempt, so the error is
// permanent.
func Decode(handler string, payload []byte, v interface{}) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return Permanent(fmt.Errorf("malformed payload for %s: %w", handler, err))
	}
	return nil
}
