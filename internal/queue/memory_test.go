package queue

import (
	"context"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/types"
)

func testBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	cfg := &config.Config{
		QueueVisibilityTO: 200 * time.Millisecond,
		QueueCompletedTTL: time.Hour,
		QueueFailedTTL:    time.Hour,
		QueueBackoffType:  "fixed",
		QueueBackoffDelay: 10 * time.Millisecond,
	}
	b := NewMemoryBackend(cfg)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLeaseReturnsHighestPriorityFirst(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	for _, task := range []types.Task{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
		{ID: "mid", Priority: 5},
	} {
		if err := b.Enqueue(ctx, task); err != nil {
			t.Fatalf("enqueue %s: %v", task.ID, err)
		}
	}

	for _, want := range []string{"high", "mid", "low"} {
		got, err := b.Lease(ctx)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if got.ID != want {
			t.Errorf("expected to lease %q next, got %q", want, got.ID)
		}
	}
}

func TestLeaseFIFOWithinEqualPriority(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "first", Priority: 5}); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, types.Task{ID: "second", Priority: 5}); err != nil {
		t.Fatal(err)
	}

	first, _ := b.Lease(ctx)
	second, _ := b.Lease(ctx)
	if first.ID != "first" || second.ID != "second" {
		t.Errorf("expected FIFO order first,second; got %s,%s", first.ID, second.ID)
	}
}

func TestEnqueueRejectsDuplicateID(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "dup", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	err := b.Enqueue(ctx, types.Task{ID: "dup", Priority: 1})
	if err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
}

func TestDelayedTaskNotLeasableUntilAvailable(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "delayed", Priority: 1, AvailableAt: time.Now().Add(300 * time.Millisecond)}); err != nil {
		t.Fatal(err)
	}

	leaseCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.Lease(leaseCtx); err == nil {
		t.Fatal("expected lease to time out before delay elapses")
	}

	task, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after delay: %v", err)
	}
	if task.ID != "delayed" {
		t.Errorf("expected delayed task, got %s", task.ID)
	}
}

func TestNackRetriesWithBackoffThenFails(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "retry-me", Priority: 1, MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	task, err := b.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Nack(ctx, task.ID, "transient", true); err != nil {
		t.Fatal(err)
	}

	retried, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("expected retried task to become leasable: %v", err)
	}
	if retried.Attempts != 1 {
		t.Errorf("expected attempts=1 after one nack, got %d", retried.Attempts)
	}

	var failedSeen bool
	b.OnFailed(func(task types.Task, result types.TaskResult) { failedSeen = true })
	if err := b.Nack(ctx, retried.ID, "transient again", true); err != nil {
		t.Fatal(err)
	}
	if !failedSeen {
		t.Error("expected OnFailed to fire once retries are exhausted")
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed task, got %+v", stats)
	}
}

func TestAckFiresCompletedHandler(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "done", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	task, err := b.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var gotResult types.TaskResult
	b.OnCompleted(func(task types.Task, result types.TaskResult) { gotResult = result })

	if err := b.Ack(ctx, task.ID, types.TaskResult{TaskID: task.ID, Data: map[string]any{"ok": true}}); err != nil {
		t.Fatal(err)
	}
	if gotResult.TaskID != task.ID {
		t.Error("expected OnCompleted to receive the ack result")
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed task, got %+v", stats)
	}
}

func TestExpiredLeaseBecomesEligibleAgain(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "stuck", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Lease(ctx); err != nil {
		t.Fatal(err)
	}
	// Never Ack/Nack; wait past visibilityTimeout + housekeeping tick.
	task, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("expected expired lease to become re-leasable: %v", err)
	}
	if task.ID != "stuck" {
		t.Errorf("expected to re-lease 'stuck', got %s", task.ID)
	}
}

func TestPauseBlocksLeaseUntilResume(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "paused", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	leaseCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := b.Lease(leaseCtx); err == nil {
		t.Fatal("expected lease to block while paused")
	}

	if err := b.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Lease(ctx); err != nil {
		t.Fatalf("expected lease to succeed after resume: %v", err)
	}
}

func TestObliterateClearsEverything(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "a", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, types.Task{ID: "b", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Obliterate(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 {
		t.Errorf("expected empty queue after obliterate, got %+v", stats)
	}
}

func TestDrainWaitsForActiveTasks(t *testing.T) {
	b := testBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "active", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	task, err := b.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}

	drained := make(chan struct{})
	go func() {
		if err := b.Drain(context.Background()); err != nil {
			t.Errorf("drain: %v", err)
		}
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("expected drain to block with one active task")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Ack(ctx, task.ID, types.TaskResult{TaskID: task.ID}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("expected drain to complete after ack")
	}
}
