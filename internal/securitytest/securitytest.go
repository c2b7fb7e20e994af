// Package securitytest implements the Security-Test and Stress-Test runtime
// modes: both drive the Worker Pool's navigate/classify execution path
// (worker.Attempt) directly against leased sessions, outside of any task
// queue, and aggregate the outcomes into a report. A sequential or
// concurrent attempt loop feeding one summary, promoted from a throwaway
// test harness shape into a first-class component the CLI invokes.
package securitytest

import (
	"context"
	"fmt"
	"time"

	"github.com/duskveil/duskveil/internal/types"
	"github.com/duskveil/duskveil/internal/worker"
)

// Sessions is the subset of sessionpool.Pool a security/stress run needs.
type Sessions = worker.SessionLeaser

// Options parameterizes a security-test run.
type Options struct {
	URL           string
	Attempts      int
	UseProxy      bool
	HumanBehavior bool
}

// Deps bundles the collaborators a security-test run drives per attempt.
type Deps struct {
	Sessions   Sessions
	Classify   worker.Classifier
	Aggregator worker.DetectionAggregator
	Metrics    worker.Recorder
}

type attemptOutcome struct {
	detections     []types.Detection
	blockOrCaptcha bool
}

// Run performs opts.Attempts sequential attempts against opts.URL, each
// against a freshly rotated session, and synthesizes a SecurityTestReport
// per the rule table in the Testable Properties scenario 6.
func Run(ctx context.Context, deps Deps, opts Options) (types.SecurityTestReport, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	report := types.SecurityTestReport{URL: opts.URL, Attempts: opts.Attempts, GeneratedAt: time.Now()}
	outcomes := make([]attemptOutcome, 0, opts.Attempts)

	for i := 0; i < opts.Attempts; i++ {
		sess, err := deps.Sessions.Lease(ctx, types.SessionOptions{UseProxy: opts.UseProxy})
		if err != nil {
			return report, fmt.Errorf("lease session for attempt %d: %w", i, err)
		}

		task := types.Task{ID: fmt.Sprintf("securitytest-%d", i), URL: opts.URL}
		if opts.HumanBehavior {
			task.Actions = humanBehaviorActions()
		}

		result, _ := worker.Attempt(ctx, sess, task, deps.Classify, deps.Aggregator, deps.Metrics, nil)
		outcomes = append(outcomes, attemptOutcome{
			detections:     result.Detections,
			blockOrCaptcha: hasBlockOrCaptcha(result.Detections),
		})
		report.Detections = append(report.Detections, result.Detections...)

		// Force a fresh identity/proxy for the next attempt rather than
		// reusing this one from the pool's idle list.
		if fresh, rerr := deps.Sessions.Rotate(ctx, sess, types.SessionOptions{UseProxy: opts.UseProxy}); rerr == nil {
			deps.Sessions.Release(fresh)
		} else {
			deps.Sessions.Release(sess)
		}
	}

	report.BypassSuccess = bypassSucceeded(outcomes)
	report.DetectionRate = detectionRate(outcomes)
	report.Vulnerabilities = synthesizeVulnerabilities(report.Detections, opts.Attempts)
	for _, v := range report.Vulnerabilities {
		if v.Recommendation != "" {
			report.Recommendations = append(report.Recommendations, v.Recommendation)
		}
	}

	return report, nil
}

func hasBlockOrCaptcha(detections []types.Detection) bool {
	for _, d := range detections {
		if d.Kind == types.DetectionBlock || d.Kind == types.DetectionCaptcha {
			return true
		}
	}
	return false
}

// bypassSucceeded reports whether at least one attempt produced zero
// block|captcha detections.
func bypassSucceeded(outcomes []attemptOutcome) bool {
	for _, o := range outcomes {
		if !o.blockOrCaptcha {
			return true
		}
	}
	return false
}

// detectionRate is the fraction of attempts that produced at least one
// detection of any kind.
func detectionRate(outcomes []attemptOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var withDetections int
	for _, o := range outcomes {
		if len(o.detections) > 0 {
			withDetections++
		}
	}
	return float64(withDetections) / float64(len(outcomes))
}

// synthesizeVulnerabilities applies the rule-based verdict table: the
// absence of any protection is the single worst finding; otherwise a
// defense that relies on exactly one detection kind is flagged as
// incomplete coverage.
func synthesizeVulnerabilities(detections []types.Detection, attempts int) []types.Vulnerability {
	counts := map[types.DetectionKind]int{}
	for _, d := range detections {
		counts[d.Kind]++
	}

	if len(detections) == 0 {
		return []types.Vulnerability{{
			Severity:       "critical",
			Title:          "No Bot Detection Mechanisms Found",
			Category:       "Bot Detection",
			Description:    fmt.Sprintf("None of the %d attempts triggered any detection signal.", attempts),
			Recommendation: "Deploy at least one layer of bot detection (behavioral, fingerprinting, or challenge-based).",
		}}
	}

	var vulns []types.Vulnerability
	onlyKind := soleKindPresent(counts)

	blockFrequent := attempts > 0 && float64(counts[types.DetectionBlock])/float64(attempts) >= 0.5
	switch {
	case onlyKind == types.DetectionBlock && blockFrequent:
		vulns = append(vulns, types.Vulnerability{
			Severity:       "high",
			Title:          "IP-Only Blocking",
			Category:       "Bot Detection",
			Description:    "Every observed signal was a hard IP/network block with no CAPTCHA or behavioral challenge.",
			Recommendation: "Layer a CAPTCHA or behavioral challenge behind the IP block so proxy rotation alone cannot bypass it.",
		})
	case onlyKind == types.DetectionCaptcha:
		vulns = append(vulns, types.Vulnerability{
			Severity:       "medium",
			Title:          "CAPTCHA-Only Defense",
			Category:       "Bot Detection",
			Description:    "The only detection signal observed was a CAPTCHA challenge.",
			Recommendation: "Combine CAPTCHA with IP reputation and behavioral signals to raise automated-solve cost.",
		})
	case onlyKind == types.DetectionRateLimit:
		vulns = append(vulns, types.Vulnerability{
			Severity:       "low",
			Title:          "Rate-Limiting-Only Defense",
			Category:       "Bot Detection",
			Description:    "The only detection signal observed was a rate-limit response.",
			Recommendation: "Rate limiting alone is trivially defeated by distributing requests across sessions/proxies.",
		})
	case onlyKind == types.DetectionFingerprint:
		vulns = append(vulns, types.Vulnerability{
			Severity:       "low",
			Title:          "Fingerprint-Only Defense",
			Category:       "Bot Detection",
			Description:    "The only detection signal observed was a fingerprinting flag with no enforcement action.",
			Recommendation: "Pair fingerprinting with an actual blocking or challenge response.",
		})
	}

	return vulns
}

// soleKindPresent returns the one DetectionKind present in counts, or
// types.DetectionUnknown if zero or more than one kind was observed.
func soleKindPresent(counts map[types.DetectionKind]int) types.DetectionKind {
	var found types.DetectionKind
	seen := 0
	for kind, n := range counts {
		if n == 0 {
			continue
		}
		found = kind
		seen++
	}
	if seen != 1 {
		return types.DetectionUnknown
	}
	return found
}

func humanBehaviorActions() []types.Action {
	return []types.Action{
		{Kind: "wait", Args: map[string]any{"ms": float64(400)}},
		{Kind: "scroll", Args: map[string]any{"dy": float64(300)}},
		{Kind: "wait", Args: map[string]any{"ms": float64(250)}},
	}
}
