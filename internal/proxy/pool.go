// Package proxy implements the Proxy Pool: EMA-scored proxy descriptors
// with round-robin rotation, filtered selection, and eviction on poor health.
package proxy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/types"
)

const (
	defaultScore   = 0.5
	evictThreshold = 0.2
	emaWeight      = 0.1
)

// Pool is a thread-safe collection of Proxy descriptors. ByCountry/Residential
// are readers; Next/Random/Best stamp LastUsed and, like Add/Remove/Update,
// take the write lock.
// generation increments on every rotation so callers can detect whether the
// active proxy changed between two points without re-locking, mirroring the
// round-robin rotator pattern this pool's Next() is grounded on.
type Pool struct {
	mu               sync.RWMutex
	proxies          []*types.Proxy
	rotationInterval time.Duration
	lastRotation     time.Time
	pointer          int
	generation       int64
	evicted          int64
}

// NewPool creates an empty Pool with the given rotation interval.
func NewPool(rotationInterval time.Duration) *Pool {
	if rotationInterval <= 0 {
		rotationInterval = 60 * time.Second
	}
	return &Pool{rotationInterval: rotationInterval}
}

// Add registers a new proxy with the default score (0.5) unless Score is
// already set on the descriptor.
func (p *Pool) Add(px *types.Proxy) error {
	if px == nil || px.Host == "" || px.Port == 0 {
		return types.ErrInvalidProxy
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.proxies {
		if existing.HostPort() == px.HostPort() {
			return types.ErrProxyDuplicate
		}
	}
	if px.Score == 0 {
		px.Score = defaultScore
	}
	p.proxies = append(p.proxies, px)
	return nil
}

// Remove deletes the proxy matching hostPort.
func (p *Pool) Remove(hostPort string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, px := range p.proxies {
		if px.HostPort() == hostPort {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			if p.pointer >= len(p.proxies) {
				p.pointer = 0
			}
			return nil
		}
	}
	return types.ErrProxyNotFound
}

// Next advances the rotation pointer only when rotationInterval has
// elapsed since the last rotation; otherwise it returns the same proxy as
// the previous call. lastUsed is always stamped on the returned proxy. This
// preserves literally the "first N rapid calls return the same proxy"
// behavior called out as an open question rather than "fixing" it.
func (p *Pool) Next() (*types.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return nil, types.ErrNoProxies
	}

	now := time.Now()
	if p.lastRotation.IsZero() || now.Sub(p.lastRotation) >= p.rotationInterval {
		if !p.lastRotation.IsZero() {
			p.pointer = (p.pointer + 1) % len(p.proxies)
		}
		p.lastRotation = now
		p.generation++
	}
	if p.pointer >= len(p.proxies) {
		p.pointer = 0
	}
	px := p.proxies[p.pointer]
	px.LastUsed = now
	return px, nil
}

// Random returns a uniformly random proxy.
func (p *Pool) Random() (*types.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil, types.ErrNoProxies
	}
	px := p.proxies[rand.Intn(len(p.proxies))]
	px.LastUsed = time.Now()
	return px, nil
}

// Best returns the proxy with the highest score.
func (p *Pool) Best() (*types.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil, types.ErrNoProxies
	}
	best := p.proxies[0]
	for _, px := range p.proxies[1:] {
		if px.Score > best.Score {
			best = px
		}
	}
	best.LastUsed = time.Now()
	return best, nil
}

// ByCountry returns all proxies matching the given country code.
func (p *Pool) ByCountry(cc string) []*types.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*types.Proxy
	for _, px := range p.proxies {
		if px.Country == cc {
			out = append(out, px)
		}
	}
	return out
}

// Residential returns all residential-flagged proxies.
func (p *Pool) Residential() []*types.Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*types.Proxy
	for _, px := range p.proxies {
		if px.Residential {
			out = append(out, px)
		}
	}
	return out
}

// Update applies the EMA health update for the proxy matching hostPort:
// score' = 0.9*score + 0.1*(ok?1:0). A score dropping below evictThreshold
// (0.2) triggers auto-removal and a warning log.
func (p *Pool) Update(hostPort string, ok bool) {
	p.mu.Lock()
	idx := -1
	for i, px := range p.proxies {
		if px.HostPort() == hostPort {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	px := p.proxies[idx]
	obs := 0.0
	if ok {
		obs = 1.0
	}
	px.Score = (1-emaWeight)*px.Score + emaWeight*obs
	if px.Score > 1 {
		px.Score = 1
	}
	if px.Score < 0 {
		px.Score = 0
	}

	evict := px.Score < evictThreshold
	if evict {
		p.proxies = append(p.proxies[:idx], p.proxies[idx+1:]...)
		if p.pointer >= len(p.proxies) {
			p.pointer = 0
		}
		p.evicted++
	}
	p.mu.Unlock()

	if evict {
		log.Warn().Str("proxy", hostPort).Msg("proxy auto-evicted: EMA score fell below threshold")
	}
}

// Stats summarizes pool occupancy and average health.
func (p *Pool) Stats() types.ProxyStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var sum float64
	var residential int
	for _, px := range p.proxies {
		sum += px.Score
		if px.Residential {
			residential++
		}
	}
	avg := 0.0
	if len(p.proxies) > 0 {
		avg = sum / float64(len(p.proxies))
	}
	return types.ProxyStats{
		Total:       len(p.proxies),
		Residential: residential,
		AvgScore:    avg,
		Evicted:     p.evicted,
	}
}

// Generation returns the rotation generation counter.
func (p *Pool) Generation() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// Len reports the current proxy count.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}
