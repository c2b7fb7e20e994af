package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "BROWSER_POOL_SIZE", "MAX_SESSIONS", "SESSION_TTL", "DEFAULT_TIMEOUT",
		"RATE_PER_SECOND", "WORKER_COUNT", "QUEUE_BACKEND", "LOG_LEVEL")

	cfg := Load("")

	if !cfg.Headless {
		t.Error("expected Headless true by default")
	}
	if cfg.BrowserPoolSize != 3 {
		t.Errorf("expected default pool size 3, got %d", cfg.BrowserPoolSize)
	}
	if cfg.MaxSessions != 100 {
		t.Errorf("expected default max sessions 100, got %d", cfg.MaxSessions)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected default session TTL 30m, got %v", cfg.SessionTTL)
	}
	if cfg.WorkerCount != 5 {
		t.Errorf("expected default worker count 5, got %d", cfg.WorkerCount)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("expected default queue backend 'memory', got %q", cfg.QueueBackend)
	}
	if cfg.RatePerSecond != 2 {
		t.Errorf("expected default rate per second 2, got %d", cfg.RatePerSecond)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, "BROWSER_POOL_SIZE", "MAX_SESSIONS", "WORKER_COUNT")
	os.Setenv("BROWSER_POOL_SIZE", "7")
	os.Setenv("MAX_SESSIONS", "250")
	os.Setenv("WORKER_COUNT", "12")

	cfg := Load("")

	if cfg.BrowserPoolSize != 7 {
		t.Errorf("expected pool size 7, got %d", cfg.BrowserPoolSize)
	}
	if cfg.MaxSessions != 250 {
		t.Errorf("expected max sessions 250, got %d", cfg.MaxSessions)
	}
	if cfg.WorkerCount != 12 {
		t.Errorf("expected worker count 12, got %d", cfg.WorkerCount)
	}
}

func TestValidateClampsOutOfBounds(t *testing.T) {
	cfg := Load("")
	cfg.BrowserPoolSize = 0
	cfg.MaxSessions = 999999
	cfg.MaxTimeout = 0
	cfg.DefaultTimeout = 1 * time.Hour
	cfg.RatePerSecond = 0
	cfg.WorkerCount = 0
	cfg.QueueBackend = "bogus"

	cfg.Validate()

	if cfg.BrowserPoolSize != 3 {
		t.Errorf("expected pool size reset to 3, got %d", cfg.BrowserPoolSize)
	}
	if cfg.MaxSessions != maxMaxSessions {
		t.Errorf("expected max sessions capped to %d, got %d", maxMaxSessions, cfg.MaxSessions)
	}
	if cfg.MaxTimeout != 300*time.Second {
		t.Errorf("expected max timeout reset to 300s, got %v", cfg.MaxTimeout)
	}
	if cfg.DefaultTimeout != cfg.MaxTimeout {
		t.Errorf("expected default timeout clamped to max timeout, got %v", cfg.DefaultTimeout)
	}
	if cfg.RatePerSecond != 1 {
		t.Errorf("expected rate per second reset to 1, got %d", cfg.RatePerSecond)
	}
	if cfg.WorkerCount != 5 {
		t.Errorf("expected worker count reset to 5, got %d", cfg.WorkerCount)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("expected invalid queue backend reset to 'memory', got %q", cfg.QueueBackend)
	}
}

func TestValidateDerivesWindowsFromRatePerSecond(t *testing.T) {
	cfg := Load("")
	cfg.RatePerSecond = 5
	cfg.RatePerMinute = 1
	cfg.RatePerHour = 1

	cfg.Validate()

	if cfg.RatePerMinute < cfg.RatePerSecond {
		t.Errorf("expected rate per minute >= rate per second, got %d < %d", cfg.RatePerMinute, cfg.RatePerSecond)
	}
	if cfg.RatePerHour < cfg.RatePerMinute {
		t.Errorf("expected rate per hour >= rate per minute, got %d < %d", cfg.RatePerHour, cfg.RatePerMinute)
	}
}

func TestLoadDefaultsTrustProxyHeadersOff(t *testing.T) {
	clearEnv(t, "METRICS_TRUST_PROXY_HEADERS")
	cfg := Load("")
	if cfg.MetricsTrustProxyHeaders {
		t.Error("expected MetricsTrustProxyHeaders false by default")
	}
}

func TestLoadFromFileOverridesDefaultButNotEnv(t *testing.T) {
	clearEnv(t, "WORKER_COUNT")
	dir := t.TempDir()
	path := filepath.Join(dir, "duskveil.yaml")
	if err := os.WriteFile(path, []byte("worker_count: 9\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg := Load(path)
	if cfg.WorkerCount != 9 {
		t.Errorf("expected worker count 9 from file, got %d", cfg.WorkerCount)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug' from file, got %q", cfg.LogLevel)
	}

	os.Setenv("WORKER_COUNT", "20")
	t.Cleanup(func() { os.Unsetenv("WORKER_COUNT") })
	cfg2 := Load(path)
	if cfg2.WorkerCount != 20 {
		t.Errorf("expected env var to override config file, got %d", cfg2.WorkerCount)
	}
}
