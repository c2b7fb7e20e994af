package securitytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duskveil/duskveil/internal/types"
	"github.com/duskveil/duskveil/internal/worker"
)

// StressOptions parameterizes a stress-test run.
type StressOptions struct {
	URL                string
	ConcurrentSessions int
	RequestsPerSession int
	UseProxy           bool
}

type stressResult struct {
	successful int
	failed     int
	blocked    int
}

// RunStress launches opts.ConcurrentSessions goroutines, each leasing one
// session and issuing opts.RequestsPerSession sequential requests against
// opts.URL, and aggregates the outcome. Grounded on
// tests/probe/realworld_stress_test.go's TestRealWorld_RapidFire: a
// WaitGroup fan-out collected through a results channel, timed wall-clock
// start to finish.
func RunStress(ctx context.Context, deps Deps, opts StressOptions) (types.StressTestReport, error) {
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if opts.RequestsPerSession <= 0 {
		opts.RequestsPerSession = 1
	}

	results := make(chan stressResult, opts.ConcurrentSessions)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < opts.ConcurrentSessions; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- runStressSession(ctx, deps, opts, id)
		}(i)
	}
	wg.Wait()
	close(results)

	wallClock := time.Since(start)

	report := types.StressTestReport{
		URL:                opts.URL,
		ConcurrentSessions: opts.ConcurrentSessions,
		RequestsPerSession: opts.RequestsPerSession,
		TotalRequests:      int64(opts.ConcurrentSessions * opts.RequestsPerSession),
		WallClock:          wallClock,
	}
	for r := range results {
		report.Successful += int64(r.successful)
		report.Failed += int64(r.failed)
		report.Blocked += int64(r.blocked)
	}
	if report.TotalRequests > 0 {
		report.AvgResponseMs = wallClock.Seconds() * 1000 / float64(report.TotalRequests)
	}
	return report, nil
}

func runStressSession(ctx context.Context, deps Deps, opts StressOptions, sessionID int) stressResult {
	var r stressResult

	sess, err := deps.Sessions.Lease(ctx, types.SessionOptions{UseProxy: opts.UseProxy})
	if err != nil {
		r.failed = opts.RequestsPerSession
		return r
	}
	defer deps.Sessions.Release(sess)

	for i := 0; i < opts.RequestsPerSession; i++ {
		task := types.Task{ID: fmt.Sprintf("stress-%d-%d", sessionID, i), URL: opts.URL}
		result, err := worker.Attempt(ctx, sess, task, deps.Classify, deps.Aggregator, deps.Metrics, nil)
		switch {
		case err != nil && isBlockedErr(err):
			r.blocked++
		case err != nil:
			r.failed++
		default:
			r.successful++
		}
		_ = result
	}
	return r
}

func isBlockedErr(err error) bool {
	return errors.Is(err, types.ErrBlocked)
}
