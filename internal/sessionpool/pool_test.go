package sessionpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/identity"
	"github.com/duskveil/duskveil/internal/types"
)

type fakeContext struct {
	closed atomic.Bool
}

func (f *fakeContext) Navigate(ctx context.Context, url string) error           { return nil }
func (f *fakeContext) Evaluate(ctx context.Context, script string) (any, error) { return nil, nil }
func (f *fakeContext) SetInitScript(ctx context.Context, script string) error   { return nil }
func (f *fakeContext) Content(ctx context.Context) (string, error)              { return "", nil }
func (f *fakeContext) Cookies(ctx context.Context) (map[string]string, error)   { return nil, nil }
func (f *fakeContext) Screenshot(ctx context.Context) ([]byte, error)           { return nil, nil }
func (f *fakeContext) Close() error                                            { f.closed.Store(true); return nil }

func fakeFactory(ctx context.Context, cfg *config.Config, id types.Identity, proxy *types.Proxy) (types.BrowserContext, error) {
	return &fakeContext{}, nil
}

func testPool(t *testing.T, maxSessions int) *Pool {
	t.Helper()
	cfg := &config.Config{
		MaxSessions:            maxSessions,
		SessionTTL:             time.Hour,
		SessionCleanupInterval: time.Hour,
	}
	return NewPool(cfg, identity.NewAssembler(), nil, fakeFactory)
}

func TestLeaseOpensNewSessionUnderCapacity(t *testing.T) {
	p := testPool(t, 2)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected a non-empty session id")
	}
	stats := p.Stats()
	if stats.Total != 1 || stats.InUse != 1 {
		t.Errorf("expected 1 in-use session, got %+v", stats)
	}
}

func TestReleaseThenLeaseReusesIdleSession(t *testing.T) {
	p := testPool(t, 1)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.Release(sess)

	sess2, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if sess2.ID != sess.ID {
		t.Errorf("expected idle session reuse, got a different session: %s vs %s", sess.ID, sess2.ID)
	}
}

func TestLeaseEvictsLRUIdleWhenAtCapacity(t *testing.T) {
	p := testPool(t, 1)
	defer p.CloseAll()

	first, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	firstCtx := first.ctx.(*fakeContext)
	p.Release(first)

	second, err := p.Lease(context.Background(), types.SessionOptions{SpecificProxy: &types.Proxy{Host: "x", Port: 1}})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a distinct session after eviction")
	}
	if !firstCtx.closed.Load() {
		t.Error("expected evicted session's context to be closed")
	}
	stats := p.Stats()
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestLeaseBlocksUntilReleaseWhenFull(t *testing.T) {
	p := testPool(t, 1)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, err := p.Lease(context.Background(), types.SessionOptions{})
		if err != nil {
			t.Errorf("blocked lease: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected lease to block while pool is full with no idle session")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(sess)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected blocked lease to complete after release")
	}
}

func TestLeaseRespectsContextCancellation(t *testing.T) {
	p := testPool(t, 1)
	defer p.CloseAll()

	_, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Lease(ctx, types.SessionOptions{})
	if err == nil {
		t.Fatal("expected an error when context is cancelled while blocked")
	}
}

func TestRotateClosesOldSessionAndReturnsNew(t *testing.T) {
	p := testPool(t, 2)
	defer p.CloseAll()

	sess, err := p.Lease(context.Background(), types.SessionOptions{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	oldCtx := sess.ctx.(*fakeContext)

	rotated, err := p.Rotate(context.Background(), sess, types.SessionOptions{})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ID == sess.ID {
		t.Error("expected rotate to produce a new session id")
	}
	if !oldCtx.closed.Load() {
		t.Error("expected old session's context to be closed after rotate")
	}
}
