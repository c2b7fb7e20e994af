package detection

import (
	"github.com/duskveil/duskveil/internal/types"
)

// RateLimiter is the subset of the rate limiter group the aggregator needs
// to trigger backoff on a blocking detection.
type RateLimiter interface {
	TriggerBackoff(url string)
}

// ProxyUpdater is the subset of the proxy pool the aggregator needs to
// adjust a bound proxy's EMA score.
type ProxyUpdater interface {
	Update(hostPort string, ok bool)
}

// Aggregator receives per-attempt Detections, forwards them to the rate
// limiter (to trigger backoff) and proxy pool (to adjust EMA score), and
// reports whether any of them is blocking. It does not touch the session
// record; the worker appends the detections to the session itself.
type Aggregator struct {
	limiter RateLimiter
	proxies ProxyUpdater
}

// NewAggregator builds an Aggregator wired to the runtime's rate limiter
// group and proxy pool.
func NewAggregator(limiter RateLimiter, proxies ProxyUpdater) *Aggregator {
	return &Aggregator{limiter: limiter, proxies: proxies}
}

// Collect forwards detections to the rate limiter and proxy pool and
// reports whether any detection in the batch is blocking (block or
// captcha/challenge, per hasBlock in the worker loop).
func (a *Aggregator) Collect(url, proxyHostPort string, detections []types.Detection) (blocking bool) {
	ok := true
	for _, d := range detections {
		if d.IsBlocking() {
			blocking = true
			ok = false
		}
		if d.Kind == types.DetectionRateLimit && a.limiter != nil {
			a.limiter.TriggerBackoff(url)
		}
	}
	if proxyHostPort != "" && a.proxies != nil {
		a.proxies.Update(proxyHostPort, ok)
	}
	if blocking && a.limiter != nil {
		a.limiter.TriggerBackoff(url)
	}
	return blocking
}
