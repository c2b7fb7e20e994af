// Package config loads and validates runtime configuration from environment
// variables (and, optionally, a config file) via viper, following the
// project's convention of a typed Config struct populated once at startup
// and clamped by Validate rather than re-checked on every read.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Upper bounds enforced by Validate to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 64
	maxMaxSessions     = 10000
	maxTimeout         = 10 * time.Minute
	maxRatePerSecond   = 1000
)

// Config holds all runtime configuration for a duskveil Runtime. Values are
// loaded from environment variables at startup and clamped by Validate.
type Config struct {
	// Browser / session pool
	Headless               bool
	BrowserPath            string
	BrowserPoolSize        int
	MaxConcurrentBrowsers  int
	MaxSessions            int
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	IgnoreCertErrors       bool
	MaxMemoryMB            int
	BrowserPoolTimeout     time.Duration

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Proxy
	ProxyEnabled    bool
	ProxyListFile   string
	ProxyRotationMs time.Duration

	// Detection pattern overrides: an optional hot-reloadable YAML file
	// supplementing the built-in classifiers with operator-defined block/
	// challenge text markers, without a binary rebuild.
	DetectionPatternsFile string

	// Rate limiter defaults (per-target; individual Limiter instances may
	// override via ratelimit.Config)
	RatePerSecond int
	RatePerMinute int
	RatePerHour   int
	MaxConcurrent int

	// Queue / Redis backend
	QueueBackend        string // "memory" or "redis"
	RedisHost           string
	RedisPort           int
	RedisPassword       string
	RedisDB             int
	QueueVisibilityTO   time.Duration
	QueueCompletedTTL   time.Duration
	QueueFailedTTL      time.Duration
	QueueBackoffType    string // "exponential" or "fixed"
	QueueBackoffDelay   time.Duration

	// Worker pool
	WorkerCount      int
	GracefulShutdown time.Duration
	MaxAttempts      int

	// Logging / reporting
	LogLevel             string
	LogDir               string
	VulnerabilityReportDir string

	// Metrics
	MetricsEnabled             bool
	MetricsAddr                string
	MetricsMaxRequestHistory   int
	MetricsMaxDetectionHistory int
	MetricsAPIKeyEnabled       bool
	MetricsAPIKey              string
	MetricsRateLimitPerMinute  int
	MetricsRequestTimeout      time.Duration
	MetricsTrustProxyHeaders   bool

	// Health thresholds, evaluated over the trailing 5-minute window
	HealthMinSuccessRate   float64
	HealthMaxDetectionRate float64
	HealthMaxAvgMs         float64

	// Alerting
	AlertingMaxHistory int
}

// envKeys lists every viper key Load binds, in the same field order as
// Config, so SetDefault and the final struct assembly can't drift apart.
var envKeys = []string{
	"headless", "browser_path", "browser_pool_size", "max_concurrent_browsers",
	"max_sessions", "session_ttl", "session_cleanup_interval", "ignore_cert_errors",
	"max_memory_mb", "browser_pool_timeout",
	"default_timeout", "max_timeout",
	"proxy_enabled", "proxy_list_file", "proxy_rotation_interval",
	"detection_patterns_file",
	"rate_per_second", "rate_per_minute", "rate_per_hour", "rate_max_concurrent",
	"queue_backend", "redis_host", "redis_port", "redis_password", "redis_db",
	"queue_visibility_timeout", "queue_completed_ttl", "queue_failed_ttl",
	"queue_backoff_type", "queue_backoff_delay",
	"worker_count", "graceful_shutdown", "max_attempts",
	"log_level", "log_dir", "vulnerability_report_dir",
	"metrics_enabled", "metrics_addr", "metrics_max_request_history",
	"metrics_max_detection_history", "metrics_api_key_enabled", "metrics_api_key",
	"metrics_rate_limit_per_minute", "metrics_request_timeout", "metrics_trust_proxy_headers",
	"health_min_success_rate", "health_max_detection_rate", "health_max_avg_ms",
	"alerting_max_history",
}

// newViper builds a viper instance scoped to this package (not the global
// singleton cmd/duskveil binds the --verbose flag to) with AutomaticEnv and
// no prefix, so existing deployment env vars (HEADLESS, BROWSER_POOL_SIZE,
// ...) keep working unprefixed rather than needing a DUSKVEIL_ prefix.
func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		v.BindEnv(key)
	}
	return v
}

// Load reads configuration from environment variables via viper, applying
// the built-in defaults set below. If configFile is non-empty,
// settings there take precedence over the built-in defaults but are still
// overridable by environment variables.
func Load(configFile string) *Config {
	v := newViper()

	v.SetDefault("headless", true)
	v.SetDefault("browser_path", "")
	v.SetDefault("browser_pool_size", 3)
	v.SetDefault("max_concurrent_browsers", 10)
	v.SetDefault("max_sessions", 100)
	v.SetDefault("session_ttl", 30*time.Minute)
	v.SetDefault("session_cleanup_interval", time.Minute)
	v.SetDefault("ignore_cert_errors", false)
	v.SetDefault("max_memory_mb", 2048)
	v.SetDefault("browser_pool_timeout", 30*time.Second)

	v.SetDefault("default_timeout", 60*time.Second)
	v.SetDefault("max_timeout", 300*time.Second)

	v.SetDefault("proxy_enabled", false)
	v.SetDefault("proxy_list_file", "")
	v.SetDefault("proxy_rotation_interval", 60*time.Second)

	v.SetDefault("detection_patterns_file", "")

	v.SetDefault("rate_per_second", 2)
	v.SetDefault("rate_per_minute", 60)
	v.SetDefault("rate_per_hour", 1000)
	v.SetDefault("rate_max_concurrent", 10)

	v.SetDefault("queue_backend", "memory")
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("queue_visibility_timeout", 2*time.Minute)
	v.SetDefault("queue_completed_ttl", 24*time.Hour)
	v.SetDefault("queue_failed_ttl", 7*24*time.Hour)
	v.SetDefault("queue_backoff_type", "exponential")
	v.SetDefault("queue_backoff_delay", 2*time.Second)

	v.SetDefault("worker_count", 5)
	v.SetDefault("graceful_shutdown", 30*time.Second)
	v.SetDefault("max_attempts", 3)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "")
	v.SetDefault("vulnerability_report_dir", "./reports")

	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9191")
	v.SetDefault("metrics_max_request_history", 10000)
	v.SetDefault("metrics_max_detection_history", 1000)
	v.SetDefault("metrics_api_key_enabled", false)
	v.SetDefault("metrics_api_key", "")
	v.SetDefault("metrics_rate_limit_per_minute", 120)
	v.SetDefault("metrics_request_timeout", 10*time.Second)
	v.SetDefault("metrics_trust_proxy_headers", false)

	v.SetDefault("health_min_success_rate", 0.5)
	v.SetDefault("health_max_detection_rate", 0.5)
	v.SetDefault("health_max_avg_ms", 15000.0)

	v.SetDefault("alerting_max_history", 100)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("file", configFile).Msg("could not read config file, using environment/defaults only")
		}
	}

	return &Config{
		Headless:               v.GetBool("headless"),
		BrowserPath:            v.GetString("browser_path"),
		BrowserPoolSize:        v.GetInt("browser_pool_size"),
		MaxConcurrentBrowsers:  v.GetInt("max_concurrent_browsers"),
		MaxSessions:            v.GetInt("max_sessions"),
		SessionTTL:             v.GetDuration("session_ttl"),
		SessionCleanupInterval: v.GetDuration("session_cleanup_interval"),
		IgnoreCertErrors:       v.GetBool("ignore_cert_errors"),
		MaxMemoryMB:            v.GetInt("max_memory_mb"),
		BrowserPoolTimeout:     v.GetDuration("browser_pool_timeout"),

		DefaultTimeout: v.GetDuration("default_timeout"),
		MaxTimeout:     v.GetDuration("max_timeout"),

		ProxyEnabled:    v.GetBool("proxy_enabled"),
		ProxyListFile:   v.GetString("proxy_list_file"),
		ProxyRotationMs: v.GetDuration("proxy_rotation_interval"),

		DetectionPatternsFile: v.GetString("detection_patterns_file"),

		RatePerSecond: v.GetInt("rate_per_second"),
		RatePerMinute: v.GetInt("rate_per_minute"),
		RatePerHour:   v.GetInt("rate_per_hour"),
		MaxConcurrent: v.GetInt("rate_max_concurrent"),

		QueueBackend:      v.GetString("queue_backend"),
		RedisHost:         v.GetString("redis_host"),
		RedisPort:         v.GetInt("redis_port"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		QueueVisibilityTO: v.GetDuration("queue_visibility_timeout"),
		QueueCompletedTTL: v.GetDuration("queue_completed_ttl"),
		QueueFailedTTL:    v.GetDuration("queue_failed_ttl"),
		QueueBackoffType:  v.GetString("queue_backoff_type"),
		QueueBackoffDelay: v.GetDuration("queue_backoff_delay"),

		WorkerCount:      v.GetInt("worker_count"),
		GracefulShutdown: v.GetDuration("graceful_shutdown"),
		MaxAttempts:      v.GetInt("max_attempts"),

		LogLevel:               v.GetString("log_level"),
		LogDir:                 v.GetString("log_dir"),
		VulnerabilityReportDir: v.GetString("vulnerability_report_dir"),

		MetricsEnabled:             v.GetBool("metrics_enabled"),
		MetricsAddr:                v.GetString("metrics_addr"),
		MetricsMaxRequestHistory:   v.GetInt("metrics_max_request_history"),
		MetricsMaxDetectionHistory: v.GetInt("metrics_max_detection_history"),
		MetricsAPIKeyEnabled:       v.GetBool("metrics_api_key_enabled"),
		MetricsAPIKey:              v.GetString("metrics_api_key"),
		MetricsRateLimitPerMinute:  v.GetInt("metrics_rate_limit_per_minute"),
		MetricsRequestTimeout:      v.GetDuration("metrics_request_timeout"),
		MetricsTrustProxyHeaders:   v.GetBool("metrics_trust_proxy_headers"),

		HealthMinSuccessRate:   v.GetFloat64("health_min_success_rate"),
		HealthMaxDetectionRate: v.GetFloat64("health_max_detection_rate"),
		HealthMaxAvgMs:         v.GetFloat64("health_max_avg_ms"),

		AlertingMaxHistory: v.GetInt("alerting_max_history"),
	}
}

// Validate clamps out-of-bounds values to sensible defaults and emits
// security-relevant warnings. Pool size, session, worker, log level, queue
// backend and health-rate corrections log a warning, as does disabling
// metrics API-key auth when no key is set; the timeout, rate-window, queue
// TTL/backoff and other metrics defaults are filled in silently.
func (c *Config) Validate() {
	if c.BrowserPoolSize < 1 {
		log.Warn().Int("size", c.BrowserPoolSize).Msg("invalid browser pool size, using default 3")
		c.BrowserPoolSize = 3
	} else if c.BrowserPoolSize > maxBrowserPoolSize {
		log.Warn().Int("size", c.BrowserPoolSize).Int("max", maxBrowserPoolSize).Msg("browser pool size too large, capping")
		c.BrowserPoolSize = maxBrowserPoolSize
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("invalid max sessions, using 100")
		c.MaxSessions = 100
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("max", c.MaxSessions).Int("cap", maxMaxSessions).Msg("max sessions too high, capping")
		c.MaxSessions = maxMaxSessions
	}

	if c.MaxTimeout < time.Second {
		c.MaxTimeout = 300 * time.Second
	} else if c.MaxTimeout > maxTimeout {
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("default timeout exceeds max, clamping")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.RatePerSecond < 1 {
		c.RatePerSecond = 1
	} else if c.RatePerSecond > maxRatePerSecond {
		log.Warn().Int("rps", c.RatePerSecond).Msg("rate per second too high, capping")
		c.RatePerSecond = maxRatePerSecond
	}
	if c.RatePerMinute < c.RatePerSecond {
		c.RatePerMinute = c.RatePerSecond * 60
	}
	if c.RatePerHour < c.RatePerMinute {
		c.RatePerHour = c.RatePerMinute * 60
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}

	if c.WorkerCount < 1 {
		log.Warn().Int("workers", c.WorkerCount).Msg("invalid worker count, using 5")
		c.WorkerCount = 5
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	switch strings.ToLower(c.QueueBackend) {
	case "memory", "redis":
		c.QueueBackend = strings.ToLower(c.QueueBackend)
	default:
		log.Warn().Str("backend", c.QueueBackend).Msg("invalid queue backend, using 'memory'")
		c.QueueBackend = "memory"
	}

	if c.QueueBackend == "redis" && c.RedisHost == "" {
		log.Error().Msg("QUEUE_BACKEND=redis but REDIS_HOST is empty")
	}

	if c.ProxyEnabled && c.ProxyListFile == "" {
		log.Warn().Msg("PROXY_ENABLED is true but PROXY_LIST_FILE is empty - pool will start empty")
	}

	if c.MaxMemoryMB < 128 {
		log.Warn().Int("max_memory_mb", c.MaxMemoryMB).Msg("invalid max memory, using 2048")
		c.MaxMemoryMB = 2048
	}
	if c.BrowserPoolTimeout < time.Second {
		c.BrowserPoolTimeout = 30 * time.Second
	}
	if c.IgnoreCertErrors {
		log.Warn().Msg("IGNORE_CERT_ERRORS is true - certificate validation disabled, MITM risk")
	}

	if c.QueueVisibilityTO < time.Second {
		c.QueueVisibilityTO = 2 * time.Minute
	}
	if c.QueueCompletedTTL <= 0 {
		c.QueueCompletedTTL = 24 * time.Hour
	}
	if c.QueueFailedTTL <= 0 {
		c.QueueFailedTTL = 7 * 24 * time.Hour
	}
	switch strings.ToLower(c.QueueBackoffType) {
	case "exponential", "fixed":
		c.QueueBackoffType = strings.ToLower(c.QueueBackoffType)
	default:
		log.Warn().Str("type", c.QueueBackoffType).Msg("invalid queue backoff type, using 'exponential'")
		c.QueueBackoffType = "exponential"
	}
	if c.QueueBackoffDelay <= 0 {
		c.QueueBackoffDelay = 2 * time.Second
	}

	if c.MetricsMaxRequestHistory <= 0 {
		c.MetricsMaxRequestHistory = 10000
	}
	if c.MetricsMaxDetectionHistory <= 0 {
		c.MetricsMaxDetectionHistory = 1000
	}
	if c.MetricsAPIKeyEnabled && c.MetricsAPIKey == "" {
		log.Warn().Msg("metrics API key auth enabled with no key set, disabling")
		c.MetricsAPIKeyEnabled = false
	}
	if c.MetricsRateLimitPerMinute <= 0 {
		c.MetricsRateLimitPerMinute = 120
	}
	if c.MetricsRequestTimeout <= 0 {
		c.MetricsRequestTimeout = 10 * time.Second
	}
	if c.AlertingMaxHistory <= 0 {
		c.AlertingMaxHistory = 100
	}
	if c.HealthMinSuccessRate < 0 || c.HealthMinSuccessRate > 1 {
		log.Warn().Float64("value", c.HealthMinSuccessRate).Msg("invalid health min success rate, using 0.5")
		c.HealthMinSuccessRate = 0.5
	}
	if c.HealthMaxDetectionRate < 0 || c.HealthMaxDetectionRate > 1 {
		log.Warn().Float64("value", c.HealthMaxDetectionRate).Msg("invalid health max detection rate, using 0.5")
		c.HealthMaxDetectionRate = 0.5
	}
	if c.HealthMaxAvgMs <= 0 {
		c.HealthMaxAvgMs = 15000
	}
}

