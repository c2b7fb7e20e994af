// Package alerting turns the Metrics & Health component's verdicts (and
// any other severity-tagged event in the system) into broadcasts: a bounded
// ring buffer for anything polling alert history, plus a handler registry
// for anything that wants to react live -- a first-class, subscribable
// event instead of a bare log line.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/types"
)

const defaultMaxHistory = 100

// Severity levels an Alert may carry. Nothing enforces these at the type
// level; Alert accepts any string so callers can add their own without
// touching this package.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Handler receives every alert broadcast after it subscribes.
type Handler func(types.Alert)

// Alerter is the severity-tagged handler registry plus a bounded ring
// buffer of recent alerts.
type Alerter struct {
	mu         sync.Mutex
	handlers   []Handler
	history    []types.Alert
	maxHistory int

	healthMu     sync.Mutex
	wasUnhealthy bool
}

// New builds an Alerter. maxHistory of 0 falls back to 100.
func New(maxHistory int) *Alerter {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	a := &Alerter{maxHistory: maxHistory}
	a.Subscribe(logHandler)
	return a
}

func logHandler(alert types.Alert) {
	evt := log.Info()
	switch alert.Severity {
	case SeverityWarning:
		evt = log.Warn()
	case SeverityCritical:
		evt = log.Error()
	}
	evt.Str("severity", alert.Severity).Msg(alert.Message)
}

// Subscribe registers h to receive every future alert. Handlers run
// synchronously on the calling goroutine's Alert call, in registration
// order; a slow handler delays the rest.
func (a *Alerter) Subscribe(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

// Alert broadcasts a severity-tagged message to every subscribed handler
// and records it in history.
func (a *Alerter) Alert(severity, message string) {
	alert := types.Alert{Severity: severity, Message: message, Timestamp: time.Now()}

	a.mu.Lock()
	a.history = append(a.history, alert)
	if len(a.history) > a.maxHistory {
		a.history = append(a.history[:0], a.history[1:]...)
	}
	handlers := make([]Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()

	for _, h := range handlers {
		h(alert)
	}
}

// History returns a snapshot of the most recent alerts, oldest first.
func (a *Alerter) History() []types.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Alert, len(a.history))
	copy(out, a.history)
	return out
}

// WatchHealth polls healthFn every interval and fires an edge-triggered
// alert: once when health transitions from healthy to unhealthy (listing
// the violated thresholds), and once when it recovers. It does not alert on
// every tick, to avoid paging on every poll while a condition persists.
func (a *Alerter) WatchHealth(ctx context.Context, healthFn func() types.HealthReport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.checkHealth(healthFn())
		case <-ctx.Done():
			return
		}
	}
}

func (a *Alerter) checkHealth(report types.HealthReport) {
	a.healthMu.Lock()
	wasUnhealthy := a.wasUnhealthy
	a.wasUnhealthy = !report.Healthy
	a.healthMu.Unlock()

	if !report.Healthy && !wasUnhealthy {
		msg := "health check failing"
		if len(report.Issues) > 0 {
			msg = "health check failing: " + report.Issues[0]
			for _, issue := range report.Issues[1:] {
				msg += ", " + issue
			}
		}
		a.Alert(SeverityCritical, msg)
	} else if report.Healthy && wasUnhealthy {
		a.Alert(SeverityInfo, "health check recovered")
	}
}
