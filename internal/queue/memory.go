package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/types"
)

// readyItem is one entry in the ready-to-lease priority heap.
type readyItem struct {
	task types.Task
	seq  int64
	idx  int
}

// readyHeap orders by Priority descending, then seq ascending (FIFO
// tie-break), matching the §4.5 ordering rule exactly.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *readyHeap) Push(x any) {
	item := x.(*readyItem)
	item.idx = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedItem is one entry in the not-yet-eligible min-heap, ordered by
// AvailableAt.
type delayedItem struct {
	task types.Task
	seq  int64
	idx  int
}

type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].task.AvailableAt.Before(h[j].task.AvailableAt)
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.idx = len(*h)
	*h = append(*h, item)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type leaseEntry struct {
	task       types.Task
	leaseUntil time.Time
}

type historyEntry struct {
	result    types.TaskResult
	expiresAt time.Time
}

// MemoryBackend is the default in-memory heap-based queue Backend. Safe for
// concurrent use.
type MemoryBackend struct {
	mu   sync.Mutex
	cond *sync.Cond

	ready   readyHeap
	delayed delayedHeap
	active  map[string]*leaseEntry
	known   map[string]bool // any non-terminal task id (ready, delayed, or active)

	completed map[string]historyEntry
	failed    map[string]historyEntry

	seq    int64
	paused bool
	closed bool

	backoff           types.BackoffPolicy
	visibilityTimeout time.Duration
	completedTTL      time.Duration
	failedTTL         time.Duration

	statsCompleted int
	statsFailed    int

	handlersMu  sync.Mutex
	onCompleted []CompletedHandler
	onFailed    []FailedHandler
	onProgress  []ProgressHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryBackend constructs a MemoryBackend configured from cfg.
func NewMemoryBackend(cfg *config.Config) *MemoryBackend {
	b := &MemoryBackend{
		active:    make(map[string]*leaseEntry),
		known:     make(map[string]bool),
		completed: make(map[string]historyEntry),
		failed:    make(map[string]historyEntry),
		backoff: types.BackoffPolicy{
			Type:  cfg.QueueBackoffType,
			Delay: cfg.QueueBackoffDelay,
		},
		visibilityTimeout: cfg.QueueVisibilityTO,
		completedTTL:      cfg.QueueCompletedTTL,
		failedTTL:         cfg.QueueFailedTTL,
		stopCh:            make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	heap.Init(&b.ready)
	heap.Init(&b.delayed)

	b.wg.Add(1)
	go b.housekeeping()

	return b
}

func (b *MemoryBackend) Enqueue(ctx context.Context, task types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueLocked(task)
}

func (b *MemoryBackend) enqueueLocked(task types.Task) error {
	if task.ID != "" && b.known[task.ID] {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTask, task.ID)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	b.seq++
	if task.ID != "" {
		b.known[task.ID] = true
	}
	if !task.AvailableAt.IsZero() && task.AvailableAt.After(time.Now()) {
		heap.Push(&b.delayed, &delayedItem{task: task, seq: b.seq})
	} else {
		heap.Push(&b.ready, &readyItem{task: task, seq: b.seq})
		b.cond.Broadcast()
	}
	return nil
}

func (b *MemoryBackend) EnqueueBulk(ctx context.Context, tasks []types.Task) error {
	for _, t := range tasks {
		if err := validateTask(t); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID != "" && (b.known[t.ID] || seen[t.ID]) {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		if err := b.enqueueLocked(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Lease(ctx context.Context) (types.Task, error) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-watchDone:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return types.Task{}, types.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return types.Task{}, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		default:
		}
		if !b.paused && b.ready.Len() > 0 {
			item := heap.Pop(&b.ready).(*readyItem)
			task := item.task
			if task.ID != "" {
				b.active[task.ID] = &leaseEntry{task: task, leaseUntil: time.Now().Add(b.visibilityTimeout)}
			}
			return task, nil
		}
		if b.paused {
			// Still observe cancellation/close while paused.
		}
		b.cond.Wait()
	}
}

func (b *MemoryBackend) Ack(ctx context.Context, taskID string, result types.TaskResult) error {
	b.mu.Lock()
	entry, ok := b.active[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	delete(b.active, taskID)
	delete(b.known, taskID)
	now := time.Now()
	task := entry.task
	if result.Failed {
		b.failed[taskID] = historyEntry{result: result, expiresAt: now.Add(b.failedTTL)}
		b.statsFailed++
	} else {
		b.completed[taskID] = historyEntry{result: result, expiresAt: now.Add(b.completedTTL)}
		b.statsCompleted++
	}
	b.mu.Unlock()

	if result.Failed {
		b.fireFailed(task, result)
	} else {
		b.fireCompleted(task, result)
	}
	return nil
}

func (b *MemoryBackend) Nack(ctx context.Context, taskID string, reason string, retry bool) error {
	b.mu.Lock()
	entry, ok := b.active[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	delete(b.active, taskID)
	task := entry.task
	task.Attempts++

	if retry && task.Attempts < task.MaxAttempts {
		task.AvailableAt = time.Now().Add(b.backoff.Backoff(task.Attempts))
		b.seq++
		heap.Push(&b.delayed, &delayedItem{task: task, seq: b.seq})
		b.mu.Unlock()
		return nil
	}

	delete(b.known, taskID)
	result := types.TaskResult{TaskID: taskID, Failed: true, Reason: reason}
	b.failed[taskID] = historyEntry{result: result, expiresAt: time.Now().Add(b.failedTTL)}
	b.statsFailed++
	b.mu.Unlock()

	b.fireFailed(task, result)
	return nil
}

func (b *MemoryBackend) Pause(ctx context.Context) error {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Resume(ctx context.Context) error {
	b.mu.Lock()
	b.paused = false
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Drain waits until no tasks are actively leased, without affecting
// whether new Lease calls are accepted (callers typically Pause first).
func (b *MemoryBackend) Drain(ctx context.Context) error {
	for {
		b.mu.Lock()
		remaining := len(b.active)
		b.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *MemoryBackend) Obliterate(ctx context.Context) error {
	b.mu.Lock()
	b.ready = readyHeap{}
	b.delayed = delayedHeap{}
	b.active = make(map[string]*leaseEntry)
	b.known = make(map[string]bool)
	b.completed = make(map[string]historyEntry)
	b.failed = make(map[string]historyEntry)
	b.statsCompleted = 0
	b.statsFailed = 0
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Stats(ctx context.Context) (types.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.QueueStats{
		Waiting:   b.ready.Len(),
		Active:    len(b.active),
		Completed: b.statsCompleted,
		Failed:    b.statsFailed,
		Delayed:   b.delayed.Len(),
	}, nil
}

func (b *MemoryBackend) OnCompleted(fn CompletedHandler) {
	b.handlersMu.Lock()
	b.onCompleted = append(b.onCompleted, fn)
	b.handlersMu.Unlock()
}

func (b *MemoryBackend) OnFailed(fn FailedHandler) {
	b.handlersMu.Lock()
	b.onFailed = append(b.onFailed, fn)
	b.handlersMu.Unlock()
}

func (b *MemoryBackend) OnProgress(fn ProgressHandler) {
	b.handlersMu.Lock()
	b.onProgress = append(b.onProgress, fn)
	b.handlersMu.Unlock()
}

// Progress reports a worker-side progress milestone for task, fanning out
// to every subscribed ProgressHandler. The worker pool calls this directly;
// it is not part of the Backend interface proper since progress is
// transient and does not mutate queue state.
func (b *MemoryBackend) Progress(task types.Task, percent int) {
	b.handlersMu.Lock()
	handlers := append([]ProgressHandler(nil), b.onProgress...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, percent)
	}
}

func (b *MemoryBackend) fireCompleted(task types.Task, result types.TaskResult) {
	b.handlersMu.Lock()
	handlers := append([]CompletedHandler(nil), b.onCompleted...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, result)
	}
}

func (b *MemoryBackend) fireFailed(task types.Task, result types.TaskResult) {
	b.handlersMu.Lock()
	handlers := append([]FailedHandler(nil), b.onFailed...)
	b.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(task, result)
	}
}

// Close stops the housekeeping routine. Queued and active tasks are left
// as-is; this does not Obliterate.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	return nil
}

// housekeeping promotes delayed tasks whose AvailableAt has elapsed,
// reclaims leases past their visibility timeout, and expires completed/
// failed history past its TTL.
func (b *MemoryBackend) housekeeping() {
	defer b.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *MemoryBackend) tick() {
	now := time.Now()
	b.mu.Lock()

	for b.delayed.Len() > 0 && !b.delayed[0].task.AvailableAt.After(now) {
		item := heap.Pop(&b.delayed).(*delayedItem)
		b.seq++
		heap.Push(&b.ready, &readyItem{task: item.task, seq: b.seq})
	}

	var expiredLeases []string
	for id, e := range b.active {
		if now.After(e.leaseUntil) {
			expiredLeases = append(expiredLeases, id)
		}
	}
	for _, id := range expiredLeases {
		e := b.active[id]
		delete(b.active, id)
		b.seq++
		heap.Push(&b.ready, &readyItem{task: e.task, seq: b.seq})
		log.Warn().Str("task_id", id).Msg("lease expired before ack/nack, requeuing")
	}

	for id, e := range b.completed {
		if now.After(e.expiresAt) {
			delete(b.completed, id)
		}
	}
	for id, e := range b.failed {
		if now.After(e.expiresAt) {
			delete(b.failed, id)
		}
	}

	if len(b.ready) > 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}
