package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/types"
)

// Redis key layout, BullMQ-style: a sorted set of ready task ids scored by
// -priority*priorityScale+seq (so ZRANGE ascending yields highest priority
// first, FIFO within a priority tier), a sorted set of delayed task ids
// scored by availableAt unix-nanos, a sorted set of active leases scored by
// leaseUntil unix-nanos, and per-task JSON blobs in a hash.
const (
	priorityScale = int64(1e13)

	keyReady     = "ready"
	keyDelayed   = "delayed"
	keyActive    = "active"
	keyCompleted = "completed"
	keyFailed    = "failed"
	keyTasks     = "tasks"
	keyAttempts  = "attempts"
	keySeq       = "seq"
	keyPaused    = "paused"
)

// RedisBackend is the redis/go-redis/v9-backed queue Backend, the
// production-grade reference backend for multi-process deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string

	backoff           types.BackoffPolicy
	visibilityTimeout time.Duration
	completedTTL      time.Duration
	failedTTL         time.Duration

	handlersMu  sync.Mutex
	onCompleted []CompletedHandler
	onFailed    []FailedHandler
	onProgress  []ProgressHandler

	pollInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisBackend dials cfg's Redis endpoint and returns a ready backend.
// prefix namespaces all keys (e.g. "duskveil") so multiple queues can share
// one Redis instance.
func NewRedisBackend(cfg *config.Config, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis queue backend: connect: %w", err)
	}

	b := &RedisBackend{
		client: client,
		prefix: prefix,
		backoff: types.BackoffPolicy{
			Type:  cfg.QueueBackoffType,
			Delay: cfg.QueueBackoffDelay,
		},
		visibilityTimeout: cfg.QueueVisibilityTO,
		completedTTL:      cfg.QueueCompletedTTL,
		failedTTL:         cfg.QueueFailedTTL,
		pollInterval:      200 * time.Millisecond,
		stopCh:            make(chan struct{}),
	}

	b.wg.Add(1)
	go b.housekeeping()

	log.Info().Str("addr", cfg.RedisHost).Int("db", cfg.RedisDB).Msg("redis queue backend connected")
	return b, nil
}

func (b *RedisBackend) k(name string) string { return b.prefix + ":" + name }

func (b *RedisBackend) priorityScore(task types.Task, seq int64) float64 {
	return float64(-int64(task.Priority)*priorityScale + seq)
}

func (b *RedisBackend) nextSeq(ctx context.Context) (int64, error) {
	return b.client.Incr(ctx, b.k(keySeq)).Result()
}

func (b *RedisBackend) storeTask(ctx context.Context, task types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return b.client.HSet(ctx, b.k(keyTasks), task.ID, data).Err()
}

func (b *RedisBackend) loadTask(ctx context.Context, taskID string) (types.Task, error) {
	data, err := b.client.HGet(ctx, b.k(keyTasks), taskID).Bytes()
	if err != nil {
		return types.Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return types.Task{}, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return task, nil
}

func (b *RedisBackend) Enqueue(ctx context.Context, task types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	exists, err := b.client.HExists(ctx, b.k(keyTasks), task.ID).Result()
	if err != nil {
		return fmt.Errorf("redis queue enqueue: %w", err)
	}
	if task.ID != "" && exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, task.ID)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	seq, err := b.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("redis queue enqueue: %w", err)
	}
	if err := b.storeTask(ctx, task); err != nil {
		return err
	}
	if !task.AvailableAt.IsZero() && task.AvailableAt.After(time.Now()) {
		return b.client.ZAdd(ctx, b.k(keyDelayed), redis.Z{
			Score:  float64(task.AvailableAt.UnixNano()),
			Member: task.ID,
		}).Err()
	}
	return b.client.ZAdd(ctx, b.k(keyReady), redis.Z{
		Score:  b.priorityScore(task, seq),
		Member: task.ID,
	}).Err()
}

func (b *RedisBackend) EnqueueBulk(ctx context.Context, tasks []types.Task) error {
	for _, t := range tasks {
		if err := validateTask(t); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if t.ID != "" {
			exists, err := b.client.HExists(ctx, b.k(keyTasks), t.ID).Result()
			if err != nil {
				return fmt.Errorf("redis queue enqueue bulk: %w", err)
			}
			if exists {
				return fmt.Errorf("%w: %s", types.ErrDuplicateTask, t.ID)
			}
		}
	}
	pipe := b.client.TxPipeline()
	for _, t := range tasks {
		task := t
		if task.EnqueuedAt.IsZero() {
			task.EnqueuedAt = time.Now()
		}
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		pipe.HSet(ctx, b.k(keyTasks), task.ID, data)
		seq, err := b.nextSeq(ctx)
		if err != nil {
			return fmt.Errorf("redis queue enqueue bulk: %w", err)
		}
		if !task.AvailableAt.IsZero() && task.AvailableAt.After(time.Now()) {
			pipe.ZAdd(ctx, b.k(keyDelayed), redis.Z{Score: float64(task.AvailableAt.UnixNano()), Member: task.ID})
		} else {
			pipe.ZAdd(ctx, b.k(keyReady), redis.Z{Score: b.priorityScore(task, seq), Member: task.ID})
		}
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis queue enqueue bulk: %w", err)
	}
	return nil
}

// Lease polls the ready set since go-redis has no native blocking
// "pop lowest score" primitive; ZPOPMIN is used for atomic removal once a
// candidate is known to exist.
func (b *RedisBackend) Lease(ctx context.Context) (types.Task, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.Task{}, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		default:
		}

		paused, err := b.client.Get(ctx, b.k(keyPaused)).Bool()
		if err != nil && err != redis.Nil {
			return types.Task{}, fmt.Errorf("redis queue lease: %w", err)
		}
		if !paused {
			results, err := b.client.ZPopMin(ctx, b.k(keyReady), 1).Result()
			if err != nil {
				return types.Task{}, fmt.Errorf("redis queue lease: %w", err)
			}
			if len(results) > 0 {
				taskID := results[0].Member.(string)
				task, err := b.loadTask(ctx, taskID)
				if err != nil {
					return types.Task{}, err
				}
				leaseUntil := time.Now().Add(b.visibilityTimeout)
				if err := b.client.ZAdd(ctx, b.k(keyActive), redis.Z{
					Score:  float64(leaseUntil.UnixNano()),
					Member: taskID,
				}).Err(); err != nil {
					return types.Task{}, fmt.Errorf("redis queue lease: %w", err)
				}
				return task, nil
			}
		}

		select {
		case <-ctx.Done():
			return types.Task{}, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *RedisBackend) Ack(ctx context.Context, taskID string, result types.TaskResult) error {
	removed, err := b.client.ZRem(ctx, b.k(keyActive), taskID).Result()
	if err != nil {
		return fmt.Errorf("redis queue ack: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	task, err := b.loadTask(ctx, taskID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.k(keyTasks), taskID)
	pipe.HDel(ctx, b.k(keyAttempts), taskID)
	if result.Failed {
		pipe.HSet(ctx, b.k(keyFailed), taskID, data)
		pipe.ZAdd(ctx, b.k(keyFailed+":ttl"), redis.Z{Score: float64(time.Now().Add(b.failedTTL).UnixNano()), Member: taskID})
	} else {
		pipe.HSet(ctx, b.k(keyCompleted), taskID, data)
		pipe.ZAdd(ctx, b.k(keyCompleted+":ttl"), redis.Z{Score: float64(time.Now().Add(b.completedTTL).UnixNano()), Member: taskID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue ack: %w", err)
	}

	if result.Failed {
		b.fireFailed(task, result)
	} else {
		b.fireCompleted(task, result)
	}
	return nil
}

func (b *RedisBackend) Nack(ctx context.Context, taskID string, reason string, retry bool) error {
	removed, err := b.client.ZRem(ctx, b.k(keyActive), taskID).Result()
	if err != nil {
		return fmt.Errorf("redis queue nack: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	task, err := b.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Attempts++

	if retry && task.Attempts < task.MaxAttempts {
		task.AvailableAt = time.Now().Add(b.backoff.Backoff(task.Attempts))
		if err := b.storeTask(ctx, task); err != nil {
			return err
		}
		return b.client.ZAdd(ctx, b.k(keyDelayed), redis.Z{
			Score:  float64(task.AvailableAt.UnixNano()),
			Member: taskID,
		}).Err()
	}

	result := types.TaskResult{TaskID: taskID, Failed: true, Reason: reason}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.k(keyTasks), taskID)
	pipe.HSet(ctx, b.k(keyFailed), taskID, data)
	pipe.ZAdd(ctx, b.k(keyFailed+":ttl"), redis.Z{Score: float64(time.Now().Add(b.failedTTL).UnixNano()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis queue nack: %w", err)
	}

	b.fireFailed(task, result)
	return nil
}

func (b *RedisBackend) Pause(ctx context.Context) error {
	return b.client.Set(ctx, b.k(keyPaused), true, 0).Err()
}

func (b *RedisBackend) Resume(ctx context.Context) error {
	return b.client.Set(ctx, b.k(keyPaused), false, 0).Err()
}

func (b *RedisBackend) Drain(ctx context.Context) error {
	for {
		n, err := b.client.ZCard(ctx, b.k(keyActive)).Result()
		if err != nil {
			return fmt.Errorf("redis queue drain: %w", err)
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *RedisBackend) Obliterate(ctx context.Context) error {
	keys := []string{keyReady, keyDelayed, keyActive, keyCompleted, keyFailed, keyTasks, keyAttempts, keySeq, keyPaused,
		keyCompleted + ":ttl", keyFailed + ":ttl"}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.k(k)
	}
	return b.client.Del(ctx, full...).Err()
}

func (b *RedisBackend) Stats(ctx context.Context) (types.QueueStats, error) {
	waiting, err := b.client.ZCard(ctx, b.k(keyReady)).Result()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("redis queue stats: %w", err)
	}
	active, err := b.client.ZCard(ctx, b.k(keyActive)).Result()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("redis queue stats: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, b.k(keyDelayed)).Result()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("redis queue stats: %w", err)
	}
	completed, err := b.client.HLen(ctx, b.k(keyCompleted)).Result()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("redis queue stats: %w", err)
	}
	failed, err := b.client.HLen(ctx, b.k(keyFailed)).Result()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("redis queue stats: %w", err)
	}
	return types.QueueStats{
		Waiting:   int(waiting),
		Active:    int(active),
		Completed: int(completed),
		Failed:    int(failed),
		Delayed:   int(delayed),
	}, nil
}

func (b *RedisBackend) OnCompleted(fn CompletedHandler) {
	b.handlersMu.Lock()
	b.onCompleted = append(b.onCompleted, fn)
	b.handlersMu.Unlock()
}

func (b *RedisBackend) OnFailed(fn FailedHandler) {
	b.handlersMu.Lock()
	b.onFailed = append(b.onFailed, fn)
	b.handlersMu.Unlock()
}

func (b *RedisBackend) OnProgress(fn ProgressHandler) {
	b.handlersMu.Lock()
	b.onProgress = append(b.onProgress, fn)
	b.handlersMu.Unlock()
}

func (b *RedisBackend) Progress(task types.Task, percent int) {
	b.handlersMu.Lock()
	handlers := append([]ProgressHandler(nil), b.onProgress...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, percent)
	}
}

func (b *RedisBackend) fireCompleted(task types.Task, result types.TaskResult) {
	b.handlersMu.Lock()
	handlers := append([]CompletedHandler(nil), b.onCompleted...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, result)
	}
}

func (b *RedisBackend) fireFailed(task types.Task, result types.TaskResult) {
	b.handlersMu.Lock()
	handlers := append([]FailedHandler(nil), b.onFailed...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, result)
	}
}

func (b *RedisBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()
	return b.client.Close()
}

// housekeeping promotes delayed tasks past their AvailableAt, reclaims
// leases past their visibility timeout, and sweeps expired completed/
// failed history — the same three duties as MemoryBackend's tick, driven
// by Redis sorted-set score range queries instead of local heaps.
func (b *RedisBackend) housekeeping() {
	defer b.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.promoteDelayed(ctx)
			b.reclaimExpiredLeases(ctx)
			b.sweepHistory(ctx)
		}
	}
}

func (b *RedisBackend) promoteDelayed(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	ids, err := b.client.ZRangeByScore(ctx, b.k(keyDelayed), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		task, err := b.loadTask(ctx, id)
		if err != nil {
			continue
		}
		seq, err := b.nextSeq(ctx)
		if err != nil {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.k(keyDelayed), id)
		pipe.ZAdd(ctx, b.k(keyReady), redis.Z{Score: b.priorityScore(task, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("failed to promote delayed task")
		}
	}
}

func (b *RedisBackend) reclaimExpiredLeases(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	ids, err := b.client.ZRangeByScore(ctx, b.k(keyActive), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		task, err := b.loadTask(ctx, id)
		if err != nil {
			continue
		}
		seq, err := b.nextSeq(ctx)
		if err != nil {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.k(keyActive), id)
		pipe.ZAdd(ctx, b.k(keyReady), redis.Z{Score: b.priorityScore(task, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("failed to reclaim expired lease")
			continue
		}
		log.Warn().Str("task_id", id).Msg("lease expired before ack/nack, requeued")
	}
}

func (b *RedisBackend) sweepHistory(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	for _, pair := range [][2]string{{keyCompleted, keyCompleted + ":ttl"}, {keyFailed, keyFailed + ":ttl"}} {
		hashKey, ttlKey := pair[0], pair[1]
		ids, err := b.client.ZRangeByScore(ctx, b.k(ttlKey), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
		if err != nil || len(ids) == 0 {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.k(ttlKey), ids)
		pipe.HDel(ctx, b.k(hashKey), ids...)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to sweep queue history")
		}
	}
}
