package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/duskveil/duskveil/internal/types"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New(0, 0)
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 120, URL: "https://example.com"})
	m.SetBuildInfo("test", "go1.24")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"duskveil_requests_total", "duskveil_build_info"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestSnapshotComputesTotalsAndPerformance(t *testing.T) {
	m := New(0, 0)
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 100})
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 200})
	m.LogRequest(types.RequestRecord{Success: false, DurationMs: 300})
	m.LogRequest(types.RequestRecord{Success: false, Blocked: true, Captcha: true, DurationMs: 50})

	snap := m.Snapshot(time.Hour)
	if snap.Requests.Total != 4 {
		t.Fatalf("expected 4 requests, got %d", snap.Requests.Total)
	}
	if snap.Requests.Successful != 2 || snap.Requests.Failed != 2 {
		t.Errorf("expected 2 successful/2 failed, got %+v", snap.Requests)
	}
	if snap.Requests.Blocked != 1 || snap.Requests.Captcha != 1 {
		t.Errorf("expected 1 blocked/1 captcha, got %+v", snap.Requests)
	}
	wantAvg := (100.0 + 200.0 + 300.0 + 50.0) / 4
	if snap.Performance.AvgMs != wantAvg {
		t.Errorf("expected avg %v, got %v", wantAvg, snap.Performance.AvgMs)
	}
	if snap.Performance.MinMs != 50 || snap.Performance.MaxMs != 300 {
		t.Errorf("expected min=50 max=300, got %+v", snap.Performance)
	}
}

func TestSnapshotExcludesRequestsOutsideWindow(t *testing.T) {
	m := New(0, 0)
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 10, Timestamp: time.Now().Add(-time.Hour)})
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 20, Timestamp: time.Now()})

	snap := m.Snapshot(time.Minute)
	if snap.Requests.Total != 1 {
		t.Fatalf("expected only the recent request counted, got %d", snap.Requests.Total)
	}
}

func TestLogDetectionTracksByKindAndRecent(t *testing.T) {
	m := New(0, 0)
	m.LogDetection(types.Detection{Kind: types.DetectionCaptcha, URL: "https://a.test"})
	m.LogDetection(types.Detection{Kind: types.DetectionBlock, URL: "https://b.test"})
	m.LogDetection(types.Detection{Kind: types.DetectionCaptcha, URL: "https://c.test"})

	snap := m.Snapshot(time.Hour)
	if snap.Detections.Total != 3 {
		t.Fatalf("expected 3 detections, got %d", snap.Detections.Total)
	}
	if snap.Detections.ByKind[types.DetectionCaptcha] != 2 {
		t.Errorf("expected 2 captcha detections, got %d", snap.Detections.ByKind[types.DetectionCaptcha])
	}
	if len(snap.Detections.Recent) != 3 {
		t.Errorf("expected 3 recent detections, got %d", len(snap.Detections.Recent))
	}
}

func TestHealthFlagsThresholdViolations(t *testing.T) {
	m := New(0, 0)
	for i := 0; i < 8; i++ {
		m.LogRequest(types.RequestRecord{Success: false, DurationMs: 50})
	}
	for i := 0; i < 2; i++ {
		m.LogRequest(types.RequestRecord{Success: true, DurationMs: 50})
	}

	report := m.Health(types.HealthThresholds{MinSuccessRate: 0.9})
	if report.Healthy {
		t.Fatal("expected unhealthy report given a 20% success rate and a 90% threshold")
	}
	if len(report.Issues) != 1 {
		t.Errorf("expected exactly one issue, got %+v", report.Issues)
	}
}

func TestHealthHealthyWithNoHistory(t *testing.T) {
	m := New(0, 0)
	report := m.Health(types.HealthThresholds{MinSuccessRate: 0.9})
	if !report.Healthy {
		t.Errorf("expected healthy with no history, got %+v", report)
	}
}

func TestResetClearsHistory(t *testing.T) {
	m := New(0, 0)
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 10})
	m.Reset()
	snap := m.Snapshot(time.Hour)
	if snap.Requests.Total != 0 {
		t.Errorf("expected empty history after Reset, got %+v", snap.Requests)
	}
}

func TestSuccessRateTrendBucketsRequestsByTime(t *testing.T) {
	m := New(0, 0)
	now := time.Now()
	m.LogRequest(types.RequestRecord{Success: true, DurationMs: 10, Timestamp: now.Add(-90 * time.Millisecond)})
	m.LogRequest(types.RequestRecord{Success: false, DurationMs: 10, Timestamp: now.Add(-10 * time.Millisecond)})

	trend := m.SuccessRateTrend(2, 100)
	if len(trend) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(trend))
	}
}

func TestStartMemoryCollectorStopsOnContextCancel(t *testing.T) {
	m := New(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartMemoryCollector(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartMemoryCollector did not stop after context cancellation")
	}
}
