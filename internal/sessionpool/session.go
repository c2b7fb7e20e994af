package sessionpool

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// Session is one leased, owned browser context. Exactly one worker holds a
// Session at a time; the pool enforces that via its state map, not via
// internal reference counting, since leases are always exclusive (§4.4).
type Session struct {
	ID        string
	Identity  types.Identity
	Proxy     *types.Proxy
	StartedAt time.Time

	ctx types.BrowserContext

	mu           sync.Mutex
	detections   []types.Detection
	requestCount atomic.Int64

	pinnedIPs map[string]net.IP
}

// Navigate validates url against the safe-navigation rules, pinning the
// resolved IP for each distinct host the first time the session visits it
// and rejecting any later navigation to that host whose DNS resolves
// elsewhere. A long-lived session that's handed dozens of tasks over its
// lifetime is exactly the window a DNS rebinding attack needs, so the pin is
// scoped to (session, host), not to a single request.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if err := s.guardHost(ctx, rawURL); err != nil {
		return err
	}
	s.requestCount.Add(1)
	return s.ctx.Navigate(ctx, rawURL)
}

// guardHost enforces per-host DNS pinning within the session. The first
// navigation to a host resolves and records its IP; every later navigation
// to the same host must still resolve to it.
func (s *Session) guardHost(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return security.ErrInvalidURL
	}
	hostname := strings.ToLower(parsed.Hostname())

	s.mu.Lock()
	pinned, ok := s.pinnedIPs[hostname]
	s.mu.Unlock()
	if ok {
		return security.ValidateURLWithPinnedIPContext(ctx, rawURL, pinned)
	}

	if err := security.ValidateURLWithContext(ctx, rawURL); err != nil {
		return err
	}
	ip, err := security.ExtractAndValidateHostIPWithContext(ctx, rawURL)
	if err != nil {
		// about:blank and other non-resolvable targets have nothing to pin.
		return nil
	}
	s.mu.Lock()
	if s.pinnedIPs == nil {
		s.pinnedIPs = make(map[string]net.IP)
	}
	s.pinnedIPs[hostname] = ip
	s.mu.Unlock()
	return nil
}

// Evaluate runs script in the page.
func (s *Session) Evaluate(ctx context.Context, script string) (any, error) {
	return s.ctx.Evaluate(ctx, script)
}

// SetInitScript installs a script to run before every future document load.
func (s *Session) SetInitScript(ctx context.Context, script string) error {
	return s.ctx.SetInitScript(ctx, script)
}

// Content returns the page's current HTML.
func (s *Session) Content(ctx context.Context) (string, error) {
	return s.ctx.Content(ctx)
}

// Cookies returns the page's current cookies.
func (s *Session) Cookies(ctx context.Context) (map[string]string, error) {
	return s.ctx.Cookies(ctx)
}

// Screenshot captures the current page.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.ctx.Screenshot(ctx)
}

// AddDetections appends detections observed on this session, for later
// inclusion in the SessionRecord snapshot and for the detection aggregator.
func (s *Session) AddDetections(dets []types.Detection) {
	if len(dets) == 0 {
		return
	}
	s.mu.Lock()
	s.detections = append(s.detections, dets...)
	s.mu.Unlock()
}

// Record snapshots the session's bookkeeping fields.
func (s *Session) Record(state types.SessionState, lastUsed time.Time) types.SessionRecord {
	s.mu.Lock()
	dets := append([]types.Detection(nil), s.detections...)
	s.mu.Unlock()
	return types.SessionRecord{
		ID:           s.ID,
		Identity:     s.Identity,
		Proxy:        s.Proxy,
		StartedAt:    s.StartedAt,
		LastUsed:     lastUsed,
		RequestCount: s.requestCount.Load(),
		Detections:   dets,
		State:        state,
	}
}

func (s *Session) close() error {
	return s.ctx.Close()
}
