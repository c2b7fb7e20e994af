package runtime

import (
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		MaxSessions:            2,
		SessionTTL:             time.Hour,
		SessionCleanupInterval: time.Hour,
		BrowserPoolTimeout:     5 * time.Second,
		DefaultTimeout:         5 * time.Second,
		MaxTimeout:             10 * time.Second,
		RatePerSecond:          100,
		RatePerMinute:          1000,
		RatePerHour:            10000,
		MaxConcurrent:          10,
		QueueBackend:           "memory",
		QueueVisibilityTO:      time.Minute,
		QueueCompletedTTL:      time.Hour,
		QueueFailedTTL:         time.Hour,
		QueueBackoffType:       "fixed",
		QueueBackoffDelay:      10 * time.Millisecond,
		WorkerCount:            2,
		GracefulShutdown:       time.Second,
		MaxAttempts:            3,
		MetricsMaxRequestHistory:   100,
		MetricsMaxDetectionHistory: 100,
		HealthMinSuccessRate:   0.5,
		HealthMaxDetectionRate: 0.5,
		HealthMaxAvgMs:         5000,
		AlertingMaxHistory:     50,
	}
	return cfg
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if rt.Queue == nil || rt.RateLimit == nil || rt.Proxies == nil || rt.Sessions == nil ||
		rt.Aggregator == nil || rt.Metrics == nil || rt.Alerts == nil || rt.Workers == nil {
		t.Fatal("expected every collaborator to be non-nil after New")
	}
}

func TestStartAndStopIsOrderlyWithNoWork(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.Start()
	time.Sleep(20 * time.Millisecond)
	rt.Stop()
}
