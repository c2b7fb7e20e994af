// Package metrics implements the Metrics & Health component: it logs every
// completed request and detection, exposes windowed summaries and trends for
// the CLI and HTTP surfaces, and answers a threshold-based Health check.
// Prometheus vectors cover the always-on time-series side; a bounded-retention
// history of requests and detections (one for all domains, with no per-domain
// breakdown) covers the windowed-query side.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	mstats "github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/types"
)

const (
	defaultMaxRequestHistory   = 10000
	defaultMaxDetectionHistory = 1000
	evictionBatchSize          = 100
)

// Metrics is the Metrics & Health component. One instance per Runtime; not
// a package-level singleton, so tests can construct as many as they need
// without fighting the default Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	detectionsTotal *prometheus.CounterVec
	memoryAlloc     prometheus.Gauge
	memorySys       prometheus.Gauge
	goroutines      prometheus.Gauge
	buildInfo       *prometheus.GaugeVec

	mu                  sync.Mutex
	requests            []types.RequestRecord
	detections          []types.Detection
	maxRequestHistory   int
	maxDetectionHistory int
}

// New builds a Metrics component. maxRequestHistory/maxDetectionHistory of
// 0 fall back to 10000/1000 respectively.
func New(maxRequestHistory, maxDetectionHistory int) *Metrics {
	if maxRequestHistory <= 0 {
		maxRequestHistory = defaultMaxRequestHistory
	}
	if maxDetectionHistory <= 0 {
		maxDetectionHistory = defaultMaxDetectionHistory
	}

	m := &Metrics{
		registry:            prometheus.NewRegistry(),
		maxRequestHistory:   maxRequestHistory,
		maxDetectionHistory: maxDetectionHistory,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duskveil_requests_total",
			Help: "Total number of navigation attempts processed, by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duskveil_request_duration_seconds",
			Help:    "Navigation attempt duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		}, []string{"outcome"}),
		detectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duskveil_detections_total",
			Help: "Total anti-bot detections observed, by kind.",
		}, []string{"kind"}),
		memoryAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duskveil_memory_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}),
		memorySys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duskveil_memory_sys_bytes",
			Help: "Total memory obtained from the OS.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duskveil_goroutines",
			Help: "Current number of goroutines.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "duskveil_build_info",
			Help: "Build information.",
		}, []string{"version", "go_version"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.detectionsTotal,
		m.memoryAlloc,
		m.memorySys,
		m.goroutines,
		m.buildInfo,
	)
	return m
}

// Handler returns the Prometheus scrape handler for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the build info gauge.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector runs until ctx is cancelled, periodically refreshing
// the memory/goroutine gauges.
func (m *Metrics) StartMemoryCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.collectMemory()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Metrics) collectMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.memoryAlloc.Set(float64(ms.Alloc))
	m.memorySys.Set(float64(ms.Sys))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

func outcomeLabel(rec types.RequestRecord) string {
	switch {
	case rec.Blocked:
		return "blocked"
	case !rec.Success:
		return "failed"
	default:
		return "success"
	}
}

// LogRequest records one completed task attempt, both in the always-on
// Prometheus vectors and in the bounded history used for windowed queries.
// Implements worker.Recorder.
func (m *Metrics) LogRequest(rec types.RequestRecord) {
	outcome := outcomeLabel(rec)
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(float64(rec.DurationMs) / 1000)

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, rec)
	if len(m.requests) > m.maxRequestHistory {
		m.requests = evictOldest(m.requests, evictionBatchSize)
	}
}

// LogDetection records one detection, both in the always-on Prometheus
// vector and in the bounded history. Implements worker.Recorder.
func (m *Metrics) LogDetection(d types.Detection) {
	m.detectionsTotal.WithLabelValues(string(d.Kind)).Inc()

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.detections = append(m.detections, d)
	if len(m.detections) > m.maxDetectionHistory {
		m.detections = evictOldest(m.detections, evictionBatchSize)
	}
}

// evictOldest drops the oldest n entries (or all of them, whichever is
// fewer) to amortize the cost of trimming a history slice across many
// LogRequest/LogDetection calls rather than shifting on every overflow.
func evictOldest[T any](s []T, n int) []T {
	if n > len(s) {
		n = len(s)
	}
	out := make([]T, len(s)-n)
	copy(out, s[n:])
	return out
}

// Snapshot computes a windowed snapshot over the last `window` of history.
func (m *Metrics) Snapshot(window time.Duration) types.MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var (
		totals     types.RequestTotals
		durations  []float64
		minMs      = -1.0
		maxMs      float64
		oldestTime time.Time
	)
	for _, r := range m.requests {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		totals.Total++
		if r.Success {
			totals.Successful++
		} else {
			totals.Failed++
		}
		if r.Blocked {
			totals.Blocked++
		}
		if r.Captcha {
			totals.Captcha++
		}
		ms := float64(r.DurationMs)
		durations = append(durations, ms)
		if minMs < 0 || ms < minMs {
			minMs = ms
		}
		if ms > maxMs {
			maxMs = ms
		}
		if oldestTime.IsZero() || r.Timestamp.Before(oldestTime) {
			oldestTime = r.Timestamp
		}
	}
	if minMs < 0 {
		minMs = 0
	}

	perf := types.PerformanceSummary{MaxMs: maxMs, MinMs: minMs}
	if totals.Total > 0 {
		avg, _ := mstats.Mean(durations)
		p50, _ := mstats.Median(durations)
		p95, _ := mstats.Percentile(durations, 95)
		perf.AvgMs = avg
		perf.P50Ms = p50
		perf.P95Ms = p95
		span := time.Since(oldestTime).Seconds()
		if span > 0 {
			perf.RPS = float64(totals.Total) / span
		}
	}

	detSummary := types.DetectionSummary{ByKind: map[types.DetectionKind]int{}}
	var recent []types.Detection
	for _, d := range m.detections {
		if d.Timestamp.Before(cutoff) {
			continue
		}
		detSummary.Total++
		detSummary.ByKind[d.Kind]++
		recent = append(recent, d)
	}
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	detSummary.Recent = recent

	return types.MetricsSnapshot{Requests: totals, Performance: perf, Detections: detSummary}
}

// SuccessRateTrend buckets request history into `buckets` consecutive
// windows of bucketMs each, most recent last, reporting the success rate
// per bucket.
func (m *Metrics) SuccessRateTrend(buckets int, bucketMs int64) []types.TrendPoint {
	return m.trend(buckets, bucketMs, func(r types.RequestRecord) (hit, total bool) {
		return r.Success, true
	})
}

// DetectionRateTrend buckets request history the same way, reporting the
// fraction of requests in each bucket that produced at least one blocking
// signal (Blocked or Captcha).
func (m *Metrics) DetectionRateTrend(buckets int, bucketMs int64) []types.TrendPoint {
	return m.trend(buckets, bucketMs, func(r types.RequestRecord) (hit, total bool) {
		return r.Blocked || r.Captcha, true
	})
}

func (m *Metrics) trend(buckets int, bucketMs int64, classify func(types.RequestRecord) (hit, total bool)) []types.TrendPoint {
	if buckets <= 0 || bucketMs <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bucketDur := time.Duration(bucketMs) * time.Millisecond
	now := time.Now()
	start := now.Add(-bucketDur * time.Duration(buckets))

	points := make([]types.TrendPoint, buckets)
	for i := range points {
		points[i].BucketStart = start.Add(bucketDur * time.Duration(i))
	}
	hits := make([]int, buckets)
	totals := make([]int, buckets)

	for _, r := range m.requests {
		if r.Timestamp.Before(start) || r.Timestamp.After(now) {
			continue
		}
		idx := int(r.Timestamp.Sub(start) / bucketDur)
		if idx < 0 || idx >= buckets {
			continue
		}
		hit, counted := classify(r)
		if !counted {
			continue
		}
		totals[idx]++
		if hit {
			hits[idx]++
		}
	}

	for i := range points {
		points[i].Samples = totals[i]
		if totals[i] > 0 {
			points[i].Rate = float64(hits[i]) / float64(totals[i])
		}
	}
	return points
}

// Health evaluates the most recent 5-minute window against th, returning
// every threshold that was violated.
func (m *Metrics) Health(th types.HealthThresholds) types.HealthReport {
	snap := m.Snapshot(5 * time.Minute)
	report := types.HealthReport{Healthy: true}

	if snap.Requests.Total == 0 {
		return report
	}

	successRate := float64(snap.Requests.Successful) / float64(snap.Requests.Total)
	if th.MinSuccessRate > 0 && successRate < th.MinSuccessRate {
		report.Healthy = false
		report.Issues = append(report.Issues, "success rate below threshold")
	}

	detectionRate := float64(snap.Requests.Blocked+snap.Requests.Captcha) / float64(snap.Requests.Total)
	if th.MaxDetectionRate > 0 && detectionRate > th.MaxDetectionRate {
		report.Healthy = false
		report.Issues = append(report.Issues, "detection rate above threshold")
	}

	if th.MaxAvgMs > 0 && snap.Performance.AvgMs > th.MaxAvgMs {
		report.Healthy = false
		report.Issues = append(report.Issues, "average response time above threshold")
	}

	if !report.Healthy {
		log.Warn().Strs("issues", report.Issues).Msg("health check failed")
	}
	return report
}

// Reset clears all windowed history. Prometheus counters are cumulative by
// design and are left untouched.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.detections = nil
}
