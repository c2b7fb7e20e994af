// Package queue implements the Task Queue: a priority-ordered, retryable
// work queue with delayed availability and visibility-timeout leasing. Two
// Backend implementations share the same contract: an in-memory heap-based
// backend (the default, and what the test suite exercises) and a
// redis/go-redis/v9-backed backend using sorted sets, mirroring BullMQ's
// priority-score trick.
package queue

import (
	"context"
	"fmt"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// New constructs the Backend selected by cfg.QueueBackend ("memory" or
// "redis"), with prefix namespacing Redis keys when that backend is used.
func New(cfg *config.Config, prefix string) (Backend, error) {
	switch cfg.QueueBackend {
	case "redis":
		return NewRedisBackend(cfg, prefix)
	case "memory", "":
		return NewMemoryBackend(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown queue backend %q", types.ErrConfigurationError, cfg.QueueBackend)
	}
}

// validateTask rejects a task at the enqueue boundary per the invalidInput
// error kind: caller-visible, never retried. Headers are the only
// client-controlled field with injection potential (forwarded to the
// browser driver as request headers), so they're the only field checked
// here beyond what the backend's own duplicate-ID check already covers.
func validateTask(task types.Task) error {
	if err := security.ValidateHeaders(task.Headers); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	return nil
}

// CompletedHandler is invoked after a task is acked successfully.
type CompletedHandler func(task types.Task, result types.TaskResult)

// FailedHandler is invoked after a task is acked as failed or exhausts retries.
type FailedHandler func(task types.Task, result types.TaskResult)

// ProgressHandler is invoked at worker-reported progress milestones.
type ProgressHandler func(task types.Task, percent int)

// Backend is the Task Queue contract implemented by both the in-memory and
// Redis-backed stores. Ordering: strictly by Priority descending, FIFO by
// EnqueuedAt within equal priority. Delayed tasks become eligible at
// AvailableAt. At-least-once delivery: a leased task must be Ack'd or
// Nack'd before its visibility timeout expires, or it becomes eligible
// again.
type Backend interface {
	// Enqueue adds task, applying priority/delay/id as given. If id
	// collides with an existing non-terminal task, returns
	// types.ErrDuplicateTask.
	Enqueue(ctx context.Context, task types.Task) error

	// EnqueueBulk adds every task atomically; either all succeed or none do.
	EnqueueBulk(ctx context.Context, tasks []types.Task) error

	// Lease blocks until the highest-priority non-delayed, non-leased task
	// is available, or ctx is cancelled, or the backend is closed.
	Lease(ctx context.Context) (types.Task, error)

	// Ack completes task taskID with result, removing it from the active
	// set and recording it in the completed or failed history per
	// result.Failed.
	Ack(ctx context.Context, taskID string, result types.TaskResult) error

	// Nack requeues task taskID for retry (if attempts remain and retry is
	// true) after backoff(attempts), or marks it permanently failed.
	Nack(ctx context.Context, taskID string, reason string, retry bool) error

	// Pause stops Lease from returning new tasks; in-flight leases are
	// unaffected.
	Pause(ctx context.Context) error

	// Resume reverses Pause.
	Resume(ctx context.Context) error

	// Drain waits for all active (leased) tasks to be Ack'd or Nack'd. It
	// does not stop further Lease calls; Pause does that.
	Drain(ctx context.Context) error

	// Obliterate removes every task and all history, resetting the queue
	// to empty.
	Obliterate(ctx context.Context) error

	// Stats returns a point-in-time snapshot of queue occupancy.
	Stats(ctx context.Context) (types.QueueStats, error)

	// OnCompleted subscribes fn to every successful Ack.
	OnCompleted(fn CompletedHandler)

	// OnFailed subscribes fn to every terminal failure (Ack with
	// result.Failed, or Nack that exhausts retries).
	OnFailed(fn FailedHandler)

	// OnProgress subscribes fn to worker-reported progress milestones.
	OnProgress(fn ProgressHandler)

	// Progress reports a worker-observed milestone for task, firing every
	// subscribed ProgressHandler. Satisfies worker.ProgressReporter so a
	// Backend can be wired directly as a Worker Pool's progress sink.
	Progress(task types.Task, percent int)

	// Close releases any resources held by the backend (connections,
	// background goroutines).
	Close() error
}
