// Package sessionpool implements the bounded Session Pool: a fixed-capacity
// collection of live browser contexts, each bound to one identity and
// (optionally) one proxy at creation time, with LRU eviction on overflow.
// The concurrency/lock-ordering discipline and lazy-TTL-cleanup routine are
// adapted from the original browser/session manager pair; the lifecycle
// itself now matches the opening/idle/in-use/closing/closed state machine.
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/identity"
	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// ContextFactory builds a BrowserContext for a fresh session. Production
// code supplies internal/browsercontext.New; tests supply a fake.
type ContextFactory func(ctx context.Context, cfg *config.Config, id types.Identity, proxy *types.Proxy) (types.BrowserContext, error)

// ProxySource is the subset of the proxy pool the session pool needs when a
// lease requests useProxy without a specific proxy.
type ProxySource interface {
	Next() (*types.Proxy, error)
}

type entry struct {
	session  *Session
	state    types.SessionState
	lastUsed time.Time
}

// Pool is the bounded, thread-safe Session Pool.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg       *config.Config
	assembler *identity.Assembler
	proxies   ProxySource
	factory   ContextFactory

	sessions map[string]*entry
	closed   bool
	evicted  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool constructs a Pool bound to cfg.MaxSessions capacity, with a
// background routine that lazily closes idle sessions older than
// cfg.SessionTTL every cfg.SessionCleanupInterval.
func NewPool(cfg *config.Config, assembler *identity.Assembler, proxies ProxySource, factory ContextFactory) *Pool {
	p := &Pool{
		cfg:       cfg,
		assembler: assembler,
		proxies:   proxies,
		factory:   factory,
		sessions:  make(map[string]*entry),
		stopCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.cleanupRoutine()

	log.Info().
		Int("max_sessions", cfg.MaxSessions).
		Dur("ttl", cfg.SessionTTL).
		Msg("session pool initialized")

	return p
}

// Lease returns an owned session per the §4.4 contract: reuse a suitable
// idle session if one exists; else open a new one if under capacity; else
// evict the LRU idle session to make room; else block until one is
// released or ctx is cancelled.
func (p *Pool) Lease(ctx context.Context, opts types.SessionOptions) (*Session, error) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-watchDone:
		}
	}()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, types.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())
		default:
		}

		if id, ok := p.findSuitableIdle(opts); ok {
			e := p.sessions[id]
			e.state = types.SessionInUse
			p.mu.Unlock()
			return e.session, nil
		}

		if len(p.sessions) < p.cfg.MaxSessions {
			p.mu.Unlock()
			sess, err := p.open(ctx, opts)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.sessions[sess.ID] = &entry{session: sess, state: types.SessionInUse, lastUsed: time.Now()}
			p.mu.Unlock()
			return sess, nil
		}

		if victimID, ok := p.lruIdle(); ok {
			victim := p.sessions[victimID]
			delete(p.sessions, victimID)
			p.evicted++
			p.mu.Unlock()
			if err := victim.session.close(); err != nil {
				log.Warn().Err(err).Str("session_id", victimID).Msg("error closing evicted session")
			}
			log.Info().Str("session_id", victimID).Msg("evicted LRU idle session to make room")
			p.mu.Lock()
			continue
		}

		// No idle session to evict; cooperative block until one frees up.
		p.cond.Wait()
	}
}

// findSuitableIdle returns the id of an idle session matching opts, if any.
// Must be called with p.mu held.
func (p *Pool) findSuitableIdle(opts types.SessionOptions) (string, bool) {
	for id, e := range p.sessions {
		if e.state != types.SessionIdle {
			continue
		}
		if opts.SpecificProxy != nil {
			if e.session.Proxy == nil || e.session.Proxy.HostPort() != opts.SpecificProxy.HostPort() {
				continue
			}
		}
		if opts.PreferIdentity != nil && e.session.Identity.Platform != opts.PreferIdentity.Platform {
			continue
		}
		return id, true
	}
	return "", false
}

// lruIdle returns the id of the idle session with the earliest lastUsed.
// Must be called with p.mu held.
func (p *Pool) lruIdle() (string, bool) {
	var id string
	var oldest time.Time
	found := false
	for candidateID, e := range p.sessions {
		if e.state != types.SessionIdle {
			continue
		}
		if !found || e.lastUsed.Before(oldest) {
			id, oldest, found = candidateID, e.lastUsed, true
		}
	}
	return id, found
}

// open builds a new Session: assembles an identity (honoring
// opts.PreferIdentity), resolves a proxy when requested, and launches a
// browser context bound to both.
func (p *Pool) open(ctx context.Context, opts types.SessionOptions) (*Session, error) {
	var id types.Identity
	if opts.PreferIdentity != nil {
		id = *opts.PreferIdentity
	} else {
		assembled, err := p.assembler.Assemble(types.IdentityConfig{
			RandomizeFonts:         true,
			RandomizePlugins:       true,
			RandomizeWebGL:         true,
			RandomizeHWConcurrency: true,
			RandomizeDeviceMemory:  true,
			RandomizeScreen:        true,
			RandomizeCanvasAudio:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: assemble identity: %v", types.ErrConfigurationError, err)
		}
		id = assembled
	}

	var proxy *types.Proxy
	switch {
	case opts.SpecificProxy != nil:
		proxy = opts.SpecificProxy
	case opts.UseProxy && p.proxies != nil:
		px, err := p.proxies.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNoProxies, err)
		}
		proxy = px
	}

	bctx, err := p.factory(ctx, p.cfg, id, proxy)
	if err != nil {
		return nil, err
	}

	sessionID, err := security.GenerateSessionID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate session id: %v", types.ErrConfigurationError, err)
	}
	// Belt-and-suspenders: the ID just came from our own generator, but
	// validating it against the same rules an externally-supplied ID would
	// face catches a broken rand source or a future refactor that narrows
	// GenerateSessionID's output space, before a malformed ID is ever handed
	// out as a session handle.
	if err := security.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: generated session id failed validation: %v", types.ErrConfigurationError, err)
	}
	sess := &Session{
		ID:        sessionID,
		Identity:  id,
		Proxy:     proxy,
		StartedAt: time.Now(),
	}
	sess.ctx = bctx
	return sess, nil
}

// Release returns sess to idle. Idle sessions older than cfg.SessionTTL are
// lazily closed on the next cleanup tick, not synchronously here.
func (p *Pool) Release(sess *Session) {
	if sess == nil {
		return
	}
	p.mu.Lock()
	e, ok := p.sessions[sess.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.state = types.SessionIdle
	e.lastUsed = time.Now()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Rotate closes sess and returns a fresh one with a new identity and proxy.
// opts governs the replacement exactly as Lease does.
func (p *Pool) Rotate(ctx context.Context, sess *Session, opts types.SessionOptions) (*Session, error) {
	if sess != nil {
		p.mu.Lock()
		delete(p.sessions, sess.ID)
		p.mu.Unlock()
		if err := sess.close(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("error closing session during rotate")
		}
	}
	return p.Lease(ctx, opts)
}

// Close definitively closes one session, regardless of its current state.
func (p *Pool) Close(sess *Session) error {
	if sess == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.sessions, sess.ID)
	p.cond.Broadcast()
	p.mu.Unlock()
	return sess.close()
}

// CloseAll shuts the pool down, closing every session in parallel.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, e := range p.sessions {
		sessions = append(sessions, e.session)
	}
	p.sessions = make(map[string]*entry)
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range sessions {
		s := sess
		eg.Go(func() error {
			if err := s.close(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("error closing session during pool shutdown")
			}
			return nil
		})
	}
	return eg.Wait()
}

// Stats summarizes current pool occupancy.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := types.PoolStats{Evictions: int(p.evicted)}
	for _, e := range p.sessions {
		stats.Total++
		switch e.state {
		case types.SessionIdle:
			stats.Idle++
		case types.SessionInUse:
			stats.InUse++
		}
	}
	return stats
}

// cleanupRoutine lazily closes idle sessions whose idle time exceeds
// cfg.SessionTTL.
func (p *Pool) cleanupRoutine() {
	defer p.wg.Done()
	interval := p.cfg.SessionCleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupExpired()
		}
	}
}

func (p *Pool) cleanupExpired() {
	now := time.Now()
	p.mu.Lock()
	var expired []*Session
	for id, e := range p.sessions {
		if e.state == types.SessionIdle && now.Sub(e.lastUsed) > p.cfg.SessionTTL {
			expired = append(expired, e.session)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, sess := range expired {
		s := sess
		eg.Go(func() error {
			if err := s.close(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("error closing expired session")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("session cleanup encountered errors")
	}
	log.Debug().Int("expired", len(expired)).Msg("idle sessions past TTL closed")
}
