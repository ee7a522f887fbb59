// Package queue provides the two interchangeable task queue backends:
// a broker-backed durable queue shared across worker processes, and an
// in-process runner that executes tasks synchronously when no broker
// is deployed. Call sites depend only on the Backend interface; the
// choice between the two is made once at startup from configuration.
package queue

import (
	"context"
	"time"

	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Backend is the enqueue contract shared by both queue variants.
// Enqueue never silently drops a task: it either durably records it
// (broker) or executes it to a terminal outcome (inline).
type Backend interface {
	Enqueue(ctx context.Context, task *tasks.Task) error
}

// Backoff computes the delay before a failed attempt re-enters the
// pending pool: base * 2^(attempt-1), capped. Attempt counts from 1.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
