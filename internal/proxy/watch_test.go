package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/types"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatchFileAddsAndRemovesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(path, []byte("p1.example:8080\n"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	p := NewPool(time.Hour)
	if err := p.Add(&types.Proxy{Host: "p1.example", Port: 8080}); err != nil {
		t.Fatalf("seed add: %v", err)
	}

	closeWatch, err := p.WatchFile(path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer closeWatch()

	if err := os.WriteFile(path, []byte("p2.example:9090\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		if p.Len() != 1 {
			return false
		}
		best, err := p.Best()
		return err == nil && best.HostPort() == "p2.example:9090"
	})
	if !ok {
		t.Fatalf("expected pool to reconcile to p2.example:9090, got len=%d", p.Len())
	}
}

func TestWatchFilePreservesScoreForUnchangedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.txt")
	if err := os.WriteFile(path, []byte("p1.example:8080\np2.example:8080\n"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	p := NewPool(time.Hour)
	if err := p.Add(&types.Proxy{Host: "p1.example", Port: 8080, Score: 0.9}); err != nil {
		t.Fatalf("seed add p1: %v", err)
	}
	if err := p.Add(&types.Proxy{Host: "p2.example", Port: 8080, Score: 0.5}); err != nil {
		t.Fatalf("seed add p2: %v", err)
	}

	closeWatch, err := p.WatchFile(path)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer closeWatch()

	// Add a third proxy to the file, leaving the first two untouched.
	if err := os.WriteFile(path, []byte("p1.example:8080\np2.example:8080\np3.example:8080\n"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		return p.Len() == 3
	})
	if !ok {
		t.Fatalf("expected pool to grow to 3 proxies, got len=%d", p.Len())
	}

	best, err := p.Best()
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if best.Host != "p1.example" || best.Score != 0.9 {
		t.Errorf("expected p1.example's EMA score to survive reload unchanged, got %s score=%v", best.Host, best.Score)
	}
}
