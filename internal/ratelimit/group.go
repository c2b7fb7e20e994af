package ratelimit

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxTrackedHosts bounds the Group's map before LRU eviction, mirroring the
// domain-stats manager's size-bounded tracking.
const maxTrackedHosts = 10000

// Group owns one Limiter per target host so that `Acquire(url)` enforces
// rate budgets per-destination rather than globally across all targets.
type Group struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*entry
}

type entry struct {
	limiter  *Limiter
	lastUsed time.Time
}

// NewGroup creates a Group whose Limiters all share the given Config.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg, limiters: make(map[string]*entry)}
}

// Acquire resolves the target host from rawURL and blocks on that host's
// Limiter.
func (g *Group) Acquire(ctx context.Context, rawURL string) (*Slot, error) {
	host := hostOf(rawURL)
	return g.forHost(host).Acquire(ctx)
}

// Release returns slot to the Limiter for rawURL's host.
func (g *Group) Release(rawURL string, slot *Slot) {
	g.forHost(hostOf(rawURL)).Release(slot)
}

// TriggerBackoff escalates backoff for rawURL's host.
func (g *Group) TriggerBackoff(rawURL string) {
	g.forHost(hostOf(rawURL)).TriggerBackoff()
}

// Stats returns the snapshot for rawURL's host.
func (g *Group) Stats(rawURL string) Stats {
	return g.forHost(hostOf(rawURL)).Stats()
}

func (g *Group) forHost(host string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.limiters[host]; ok {
		e.lastUsed = time.Now()
		return e.limiter
	}

	if len(g.limiters) >= maxTrackedHosts {
		g.evictOldestLocked()
	}

	l := NewLimiter(g.cfg)
	g.limiters[host] = &entry{limiter: l, lastUsed: time.Now()}
	return l
}

func (g *Group) evictOldestLocked() {
	var oldestHost string
	var oldestTime time.Time
	first := true
	for h, e := range g.limiters {
		if first || e.lastUsed.Before(oldestTime) {
			oldestHost = h
			oldestTime = e.lastUsed
			first = false
		}
	}
	if oldestHost != "" {
		delete(g.limiters, oldestHost)
		log.Debug().Str("host", oldestHost).Msg("rate limiter group evicted oldest tracked host")
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
