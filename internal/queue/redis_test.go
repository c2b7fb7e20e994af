package queue

import (
	"context"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/types"
)

func isRedisAvailable() bool {
	b, err := NewRedisBackend(testRedisConfig(), "duskveil-redis-available-probe")
	if err != nil {
		return false
	}
	b.Close()
	return true
}

func testRedisConfig() *config.Config {
	return &config.Config{
		RedisHost:         "127.0.0.1",
		RedisPort:         6379,
		RedisDB:           1,
		QueueVisibilityTO: 200 * time.Millisecond,
		QueueCompletedTTL: time.Hour,
		QueueFailedTTL:    time.Hour,
		QueueBackoffType:  "fixed",
		QueueBackoffDelay: 10 * time.Millisecond,
	}
}

func testRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	if !isRedisAvailable() {
		t.Skip("redis not available, skipping redis queue backend tests")
	}
	b, err := NewRedisBackend(testRedisConfig(), "duskveil-test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := b.Obliterate(context.Background()); err != nil {
		t.Fatalf("obliterate before test: %v", err)
	}
	t.Cleanup(func() {
		b.Obliterate(context.Background())
		b.Close()
	})
	return b
}

func TestRedisLeaseReturnsHighestPriorityFirst(t *testing.T) {
	b := testRedisBackend(t)
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

func TestRedisEnqueueRejectsDuplicateID(t *testing.T) {
	b := testRedisBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "dup", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, types.Task{ID: "dup", Priority: 1}); err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
}

func TestRedisAckAndNackUpdateStats(t *testing.T) {
	b := testRedisBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "ok", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, types.Task{ID: "bad", Priority: 1, MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	okTask, err := b.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Ack(ctx, okTask.ID, types.TaskResult{TaskID: okTask.ID}); err != nil {
		t.Fatal(err)
	}

	badTask, err := b.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Nack(ctx, badTask.ID, "boom", true); err != nil {
		t.Fatal(err)
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %+v", stats)
	}
}

func TestRedisObliterateClearsQueue(t *testing.T) {
	b := testRedisBackend(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, types.Task{ID: "x", Priority: 1}); err != nil {
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
