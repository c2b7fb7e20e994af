package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/types"
)

func TestAlertBroadcastsToSubscribers(t *testing.T) {
	a := New(0)
	var mu sync.Mutex
	var got []types.Alert
	a.Subscribe(func(alert types.Alert) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, alert)
	})

	a.Alert(SeverityWarning, "proxy pool exhausted")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Severity != SeverityWarning || got[0].Message != "proxy pool exhausted" {
		t.Fatalf("expected subscriber to receive the alert, got %+v", got)
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	a := New(3)
	a.Alert(SeverityInfo, "one")
	a.Alert(SeverityInfo, "two")
	a.Alert(SeverityInfo, "three")
	a.Alert(SeverityInfo, "four")

	hist := a.History()
	if len(hist) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(hist))
	}
	if hist[0].Message != "two" || hist[2].Message != "four" {
		t.Errorf("expected oldest entry evicted, got %+v", hist)
	}
}

func TestWatchHealthAlertsOnceOnTransition(t *testing.T) {
	a := New(0)
	var mu sync.Mutex
	var alerts []types.Alert
	a.Subscribe(func(alert types.Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, alert)
	})

	healthy := true
	healthFn := func() types.HealthReport {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return types.HealthReport{Healthy: true}
		}
		return types.HealthReport{Healthy: false, Issues: []string{"success rate below threshold"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.WatchHealth(ctx, healthFn, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	healthy = false
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	healthy = true
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	var criticals, infos int
	for _, al := range alerts {
		switch al.Severity {
		case SeverityCritical:
			criticals++
		case SeverityInfo:
			infos++
		}
	}
	if criticals != 1 {
		t.Errorf("expected exactly one critical transition alert, got %d (alerts=%+v)", criticals, alerts)
	}
	if infos != 1 {
		t.Errorf("expected exactly one recovery alert, got %d (alerts=%+v)", infos, alerts)
	}
}
