package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/duskveil/duskveil/internal/types"
)

var (
	styleOK       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleWarn     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	styleCritical = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// writeJSONReport marshals v as indented JSON into dir/name, creating dir
// if needed, and returns the written path.
func writeJSONReport(dir, name string, v any) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, name)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// summarizeSecurityTest prints the one-line colored summary spec §6 calls
// for and returns the exit code (0 protected, 1 vulnerable, 2 error is
// handled by the caller for the error case).
func summarizeSecurityTest(report types.SecurityTestReport) int {
	if report.BypassSuccess {
		fmt.Println(styleCritical.Render(fmt.Sprintf(
			"VULNERABLE: bypass succeeded against %s (detection rate %.0f%%, %d finding(s))",
			report.URL, report.DetectionRate*100, len(report.Vulnerabilities))))
		return 1
	}
	if len(report.Vulnerabilities) > 0 {
		fmt.Println(styleWarn.Render(fmt.Sprintf(
			"PROTECTED (with findings): %s blocked every attempt, detection rate %.0f%%, %d finding(s)",
			report.URL, report.DetectionRate*100, len(report.Vulnerabilities))))
		return 0
	}
	fmt.Println(styleOK.Render(fmt.Sprintf(
		"PROTECTED: %s blocked every attempt, detection rate %.0f%%", report.URL, report.DetectionRate*100)))
	return 0
}

func summarizeStressTest(report types.StressTestReport) {
	fmt.Println(styleOK.Render(fmt.Sprintf(
		"%s: %d/%d ok, %d blocked, %d failed, avg %.1fms, wall %s",
		report.URL, report.Successful, report.TotalRequests, report.Blocked, report.Failed,
		report.AvgResponseMs, report.WallClock.Round(time.Millisecond))))
}
