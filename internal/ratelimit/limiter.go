// Package ratelimit implements the multi-window adaptive rate limiter:
// per-second/minute/hour sliding windows, a concurrent-slot semaphore, and
// exponential backoff triggered by the Detection Aggregator.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config parameterizes a Limiter. Zero values are replaced with sane
// defaults by NewLimiter.
type Config struct {
	RPS               int // requests per second
	RPM               int // requests per minute
	RPH               int // requests per hour
	MaxConcurrent     int // concurrent in-flight slots
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.RPS <= 0 {
		c.RPS = 2
	}
	if c.RPM <= 0 {
		c.RPM = c.RPS * 60
	}
	if c.RPH <= 0 {
		c.RPH = c.RPM * 60
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 1 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Slot is the handle returned by Acquire; it must be passed to Release
// exactly once.
type Slot struct {
	acquiredAt time.Time
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	RequestsLastSecond int
	RequestsLastMinute int
	RequestsLastHour   int
	Inflight           int
	BackoffUntil       time.Time
	BackoffDelay       time.Duration
}

// Limiter enforces the second/minute/hour window budgets, a concurrent-slot
// cap, and an exponential backoff window shared across one target. A single
// mutex serializes the counters and backoff state, matching the "short
// critical sections, first-wakeup-wins" discipline called for by the design.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	second  []time.Time
	minute  []time.Time
	hour    []time.Time
	delay   time.Duration
	until   time.Time

	sem chan struct{} // counting semaphore, buffered to MaxConcurrent
}

// NewLimiter constructs a Limiter from cfg, filling in defaults.
func NewLimiter(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Acquire blocks until the second/minute/hour budgets, the concurrency
// semaphore, and any active backoff window all permit admission. It returns
// only on success, ctx cancellation, or ctx deadline — it never fails for
// rate reasons, only for cancellation (§4.1).
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	for {
		wait, ready := l.nextWait()
		if !ready {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		// Window budgets are satisfied; now contend for a concurrency slot.
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Re-check windows/backoff under lock right before admitting, since
		// time may have advanced while waiting for the semaphore.
		l.mu.Lock()
		wait2, ready2 := l.checkLocked()
		if !ready2 {
			l.mu.Unlock()
			<-l.sem // give back the slot, loop and wait again
			if err := sleepCtx(ctx, wait2); err != nil {
				return nil, err
			}
			continue
		}
		now := time.Now()
		l.second = append(l.second, now)
		l.minute = append(l.minute, now)
		l.hour = append(l.hour, now)
		l.mu.Unlock()

		return &Slot{acquiredAt: now}, nil
	}
}

// Release returns a previously-acquired concurrency slot.
func (l *Limiter) Release(slot *Slot) {
	if slot == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}

// nextWait reports the duration to wait before the next Acquire attempt
// should retry, and whether admission is immediately possible.
func (l *Limiter) nextWait() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked()
}

// checkLocked prunes expired window entries and evaluates backoff + window
// budgets. Caller must hold l.mu.
func (l *Limiter) checkLocked() (time.Duration, bool) {
	now := time.Now()

	if now.Before(l.until) {
		return l.until.Sub(now), false
	}

	l.second = pruneOlderThan(l.second, now, time.Second)
	l.minute = pruneOlderThan(l.minute, now, time.Minute)
	l.hour = pruneOlderThan(l.hour, now, time.Hour)

	var wait time.Duration
	ready := true
	if len(l.second) >= l.cfg.RPS {
		ready = false
		wait = maxDuration(wait, time.Second-now.Sub(l.second[0]))
	}
	if len(l.minute) >= l.cfg.RPM {
		ready = false
		wait = maxDuration(wait, time.Minute-now.Sub(l.minute[0]))
	}
	if len(l.hour) >= l.cfg.RPH {
		ready = false
		wait = maxDuration(wait, time.Hour-now.Sub(l.hour[0]))
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait, ready
}

// TriggerBackoff escalates the backoff delay and opens a new backoff
// window. Successful admissions never reset the delay, and neither does the
// window's expiry; only an explicit Reset does.
func (l *Limiter) TriggerBackoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.delay <= 0 {
		l.delay = l.cfg.BackoffInitial
	} else {
		next := time.Duration(float64(l.delay) * l.cfg.BackoffMultiplier)
		if next < l.cfg.BackoffInitial {
			next = l.cfg.BackoffInitial
		}
		l.delay = next
	}
	if l.delay > l.cfg.BackoffMax {
		l.delay = l.cfg.BackoffMax
	}
	l.until = time.Now().Add(l.delay)
}

// Reset zeros all counters and the backoff state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.second = nil
	l.minute = nil
	l.hour = nil
	l.delay = 0
	l.until = time.Time{}
}

// Stats returns a snapshot of the limiter's current counters and backoff.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	return Stats{
		RequestsLastSecond: len(pruneOlderThan(l.second, now, time.Second)),
		RequestsLastMinute: len(pruneOlderThan(l.minute, now, time.Minute)),
		RequestsLastHour:   len(pruneOlderThan(l.hour, now, time.Hour)),
		Inflight:           len(l.sem),
		BackoffUntil:       l.until,
		BackoffDelay:       l.delay,
	}
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return ts
	}
	return append(ts[:0], ts[cut:]...)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
