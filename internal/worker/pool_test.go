package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/identity"
	"github.com/duskveil/duskveil/internal/ratelimit"
	"github.com/duskveil/duskveil/internal/sessionpool"
	"github.com/duskveil/duskveil/internal/types"
)

type fakeBrowserContext struct {
	navigateErr error
	content     string
	cookies     map[string]string
	evalFunc    func(script string) (any, error)
}

func (f *fakeBrowserContext) Navigate(ctx context.Context, url string) error { return f.navigateErr }
func (f *fakeBrowserContext) Evaluate(ctx context.Context, script string) (any, error) {
	if f.evalFunc != nil {
		return f.evalFunc(script)
	}
	return nil, nil
}
func (f *fakeBrowserContext) SetInitScript(ctx context.Context, script string) error { return nil }
func (f *fakeBrowserContext) Content(ctx context.Context) (string, error)            { return f.content, nil }
func (f *fakeBrowserContext) Cookies(ctx context.Context) (map[string]string, error) {
	return f.cookies, nil
}
func (f *fakeBrowserContext) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeBrowserContext) Close() error                                  { return nil }

type fakeQueue struct {
	mu    sync.Mutex
	acked []types.TaskResult
	nacks []nackCall
}

type nackCall struct {
	taskID, reason string
	retry          bool
}

func (q *fakeQueue) Lease(ctx context.Context) (types.Task, error) {
	<-ctx.Done()
	return types.Task{}, types.ErrContextCanceled
}

func (q *fakeQueue) Ack(ctx context.Context, taskID string, result types.TaskResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, result)
	return nil
}

func (q *fakeQueue) Nack(ctx context.Context, taskID, reason string, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacks = append(q.nacks, nackCall{taskID, reason, retry})
	return nil
}

type fakeLimiter struct {
	mu        sync.Mutex
	triggered []string
}

func (f *fakeLimiter) Acquire(ctx context.Context, url string) (*ratelimit.Slot, error) {
	return &ratelimit.Slot{}, nil
}
func (f *fakeLimiter) Release(url string, slot *ratelimit.Slot) {}
func (f *fakeLimiter) TriggerBackoff(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, url)
}

type fakeAggregator struct{ blocking bool }

func (f *fakeAggregator) Collect(url, proxyHostPort string, detections []types.Detection) bool {
	return f.blocking
}

type fakeMetrics struct {
	mu         sync.Mutex
	requests   []types.RequestRecord
	detections []types.Detection
}

func (f *fakeMetrics) LogRequest(rec types.RequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rec)
}
func (f *fakeMetrics) LogDetection(d types.Detection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
}

type fakeProgress struct {
	mu         sync.Mutex
	milestones []int
}

func (f *fakeProgress) Progress(task types.Task, percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.milestones = append(f.milestones, percent)
}

func newTestPool(t *testing.T, queue *fakeQueue, limiter *fakeLimiter, agg *fakeAggregator, metrics *fakeMetrics, progress *fakeProgress, bctx *fakeBrowserContext) *Pool {
	t.Helper()
	cfg := &config.Config{MaxSessions: 2, SessionTTL: time.Hour, SessionCleanupInterval: time.Hour}
	sessions := sessionpool.NewPool(cfg, identity.NewAssembler(), nil, func(ctx context.Context, cfg *config.Config, id types.Identity, proxy *types.Proxy) (types.BrowserContext, error) {
		return bctx, nil
	})
	t.Cleanup(func() { sessions.CloseAll() })

	p := New(Deps{
		Queue:      queue,
		Limiter:    limiter,
		Sessions:   sessions,
		Aggregator: agg,
		Classify:   func(url, body string, cookies map[string]string) []types.Detection { return nil },
		Metrics:    metrics,
		Progress:   progress,
	})
	p.Start(0)
	t.Cleanup(p.Stop)
	return p
}

func TestRunTaskAcksOnSuccess(t *testing.T) {
	queue := &fakeQueue{}
	limiter := &fakeLimiter{}
	agg := &fakeAggregator{blocking: false}
	metrics := &fakeMetrics{}
	progress := &fakeProgress{}
	bctx := &fakeBrowserContext{
		content: "<html></html>",
		evalFunc: func(script string) (any, error) {
			return "Example Title", nil
		},
	}
	p := newTestPool(t, queue, limiter, agg, metrics, progress, bctx)

	task := types.Task{
		ID:         "t1",
		URL:        "https://example.com",
		Extractors: []types.Extractor{{Name: "title", Selector: "title"}},
	}
	p.runTask(task)

	if len(queue.acked) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(queue.acked))
	}
	if queue.acked[0].Data["title"] != "Example Title" {
		t.Errorf("expected extracted title in result data, got %+v", queue.acked[0].Data)
	}
	if len(metrics.requests) != 1 || !metrics.requests[0].Success {
		t.Errorf("expected one successful request record, got %+v", metrics.requests)
	}
	wantMilestones := []int{10, 50, 90, 100}
	if len(progress.milestones) != len(wantMilestones) {
		t.Fatalf("expected milestones %v, got %v", wantMilestones, progress.milestones)
	}
	for i, m := range wantMilestones {
		if progress.milestones[i] != m {
			t.Errorf("milestone %d: expected %d, got %d", i, m, progress.milestones[i])
		}
	}
}

func TestRunTaskBlockedRotatesSessionAndNacks(t *testing.T) {
	queue := &fakeQueue{}
	limiter := &fakeLimiter{}
	agg := &fakeAggregator{blocking: true}
	metrics := &fakeMetrics{}
	progress := &fakeProgress{}
	bctx := &fakeBrowserContext{content: "blocked"}
	p := newTestPool(t, queue, limiter, agg, metrics, progress, bctx)

	task := types.Task{ID: "t2", URL: "https://example.com", MaxAttempts: 3}
	p.runTask(task)

	if len(limiter.triggered) != 1 || limiter.triggered[0] != task.URL {
		t.Errorf("expected TriggerBackoff for %s, got %v", task.URL, limiter.triggered)
	}
	if len(queue.nacks) != 1 || queue.nacks[0].reason != "blocked" || !queue.nacks[0].retry {
		t.Errorf("expected a retryable 'blocked' nack, got %+v", queue.nacks)
	}
	if len(queue.acked) != 0 {
		t.Errorf("blocked task must not be acked, got %+v", queue.acked)
	}
}

func TestRunTaskTransientNavigateErrorRetries(t *testing.T) {
	queue := &fakeQueue{}
	limiter := &fakeLimiter{}
	agg := &fakeAggregator{}
	metrics := &fakeMetrics{}
	progress := &fakeProgress{}
	bctx := &fakeBrowserContext{navigateErr: errors.New("connection reset")}
	p := newTestPool(t, queue, limiter, agg, metrics, progress, bctx)

	task := types.Task{ID: "t3", URL: "https://example.com", Attempts: 0, MaxAttempts: 3}
	p.runTask(task)

	if len(queue.nacks) != 1 || !queue.nacks[0].retry {
		t.Errorf("expected a retryable nack with attempts remaining, got %+v", queue.nacks)
	}
	if len(queue.acked) != 0 {
		t.Errorf("expected no ack while attempts remain, got %+v", queue.acked)
	}
}

func TestRunTaskTransientExhaustedAttemptsAcksFailed(t *testing.T) {
	queue := &fakeQueue{}
	limiter := &fakeLimiter{}
	agg := &fakeAggregator{}
	metrics := &fakeMetrics{}
	progress := &fakeProgress{}
	bctx := &fakeBrowserContext{navigateErr: errors.New("connection reset")}
	p := newTestPool(t, queue, limiter, agg, metrics, progress, bctx)

	task := types.Task{ID: "t4", URL: "https://example.com", Attempts: 2, MaxAttempts: 3}
	p.runTask(task)

	if len(queue.nacks) != 0 {
		t.Errorf("expected no nack once attempts exhausted, got %+v", queue.nacks)
	}
	if len(queue.acked) != 1 || !queue.acked[0].Failed {
		t.Fatalf("expected one terminal failed ack, got %+v", queue.acked)
	}
}
