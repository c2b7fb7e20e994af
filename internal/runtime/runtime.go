// Package runtime wires every collaborator into a single `Runtime` handle:
// no global mutable state beyond it, with the Rate Limiter, Proxy Pool,
// Session Pool, Task Queue, Detection Aggregator, Worker Pool, Metrics, and
// Alerting all reachable from one struct. Construction and shutdown follow
// a fixed order -- config.Load -> setupLogging -> Validate -> build pools ->
// build workers -> run -> ordered graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/alerting"
	"github.com/duskveil/duskveil/internal/browsercontext"
	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/detection"
	"github.com/duskveil/duskveil/internal/identity"
	"github.com/duskveil/duskveil/internal/metrics"
	"github.com/duskveil/duskveil/internal/proxy"
	"github.com/duskveil/duskveil/internal/queue"
	"github.com/duskveil/duskveil/internal/ratelimit"
	"github.com/duskveil/duskveil/internal/securitytest"
	"github.com/duskveil/duskveil/internal/selectors"
	"github.com/duskveil/duskveil/internal/sessionpool"
	"github.com/duskveil/duskveil/internal/types"
	"github.com/duskveil/duskveil/internal/worker"
)

// Runtime owns every pool and background goroutine in the system. It is
// the one and only piece of long-lived mutable state; everything else
// (limiters, pools, queues) hangs off it.
type Runtime struct {
	Config *config.Config

	Queue      queue.Backend
	RateLimit  *ratelimit.Group
	Proxies    *proxy.Pool
	Sessions   *sessionpool.Pool
	Aggregator *detection.Aggregator
	Metrics    *metrics.Metrics
	Alerts     *alerting.Alerter
	Workers    *worker.Pool

	memCtx      context.Context
	memCancel   context.CancelFunc
	watchCtx    context.Context
	watchCancel context.CancelFunc

	closeProxyWatch func() error
	shutdownHTTP    func(context.Context) error
	patterns        *selectors.Manager
}

// New builds every collaborator from cfg but does not start the Worker
// Pool or background goroutines; call Start for that.
func New(cfg *config.Config) (*Runtime, error) {
	rl := ratelimit.NewGroup(ratelimit.Config{
		RPS:           cfg.RatePerSecond,
		RPM:           cfg.RatePerMinute,
		RPH:           cfg.RatePerHour,
		MaxConcurrent: cfg.MaxConcurrent,
	})

	proxies := proxy.NewPool(cfg.ProxyRotationMs)
	var closeProxyWatch func() error
	if cfg.ProxyEnabled && cfg.ProxyListFile != "" {
		if err := loadProxyFile(proxies, cfg.ProxyListFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.ProxyListFile).Msg("failed to load proxy list, pool starts empty")
		}
		if closer, err := proxies.WatchFile(cfg.ProxyListFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.ProxyListFile).Msg("failed to watch proxy list for hot reload")
		} else {
			closeProxyWatch = closer
		}
	}

	assembler := identity.NewAssembler()
	sessions := sessionpool.NewPool(cfg, assembler, proxies, func(ctx context.Context, cfg *config.Config, id types.Identity, px *types.Proxy) (types.BrowserContext, error) {
		return browsercontext.New(ctx, cfg, id, px)
	})

	aggregator := detection.NewAggregator(rl, proxies)

	q, err := queue.New(cfg, "duskveil")
	if err != nil {
		return nil, fmt.Errorf("build task queue: %w", err)
	}

	m := metrics.New(cfg.MetricsMaxRequestHistory, cfg.MetricsMaxDetectionHistory)
	alerts := alerting.New(cfg.AlertingMaxHistory)

	var patterns *selectors.Manager
	if cfg.DetectionPatternsFile != "" {
		mgr, err := selectors.NewManager(cfg.DetectionPatternsFile, true)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.DetectionPatternsFile).Msg("failed to load custom detection patterns, continuing with built-in classifiers only")
		} else {
			patterns = mgr
		}
	}
	classify := buildClassifier(patterns)

	workers := worker.New(worker.Deps{
		Queue:        q,
		Limiter:      rl,
		Sessions:     sessions,
		Aggregator:   aggregator,
		Classify:     classify,
		Metrics:      m,
		Progress:     q,
		ProxyEnabled: cfg.ProxyEnabled,
		GracePeriod:  cfg.GracefulShutdown,
	})

	return &Runtime{
		Config:          cfg,
		Queue:           q,
		RateLimit:       rl,
		Proxies:         proxies,
		Sessions:        sessions,
		Aggregator:      aggregator,
		Metrics:         m,
		Alerts:          alerts,
		Workers:         workers,
		closeProxyWatch: closeProxyWatch,
		patterns:        patterns,
	}, nil
}

// buildClassifier combines the built-in vendor classifiers with mgr's
// operator-supplied patterns (if any) into a single worker.Classifier.
func buildClassifier(mgr *selectors.Manager) worker.Classifier {
	return func(url, body string, cookies map[string]string) []types.Detection {
		detections := detection.Classify(url, body, cookies)
		return append(detections, detection.ClassifyCustom(mgr, url, body)...)
	}
}

// Start launches the Worker Pool and the background memory/health-watch
// goroutines. Not restartable.
func (rt *Runtime) Start() {
	rt.Workers.Start(rt.Config.WorkerCount)

	rt.memCtx, rt.memCancel = context.WithCancel(context.Background())
	go rt.Metrics.StartMemoryCollector(rt.memCtx, 15*time.Second)

	rt.watchCtx, rt.watchCancel = context.WithCancel(context.Background())
	go rt.Alerts.WatchHealth(rt.watchCtx, func() types.HealthReport {
		return rt.Metrics.Health(types.HealthThresholds{
			MinSuccessRate:   rt.Config.HealthMinSuccessRate,
			MaxDetectionRate: rt.Config.HealthMaxDetectionRate,
			MaxAvgMs:         rt.Config.HealthMaxAvgMs,
		})
	}, 30*time.Second)

	rt.shutdownHTTP = rt.startHTTPServer()

	log.Info().Int("workers", rt.Config.WorkerCount).Str("queue_backend", rt.Config.QueueBackend).Msg("runtime started")
}

// securityTestDeps adapts the Runtime's collaborators into the shape
// securitytest.Run/RunStress expect.
func (rt *Runtime) securityTestDeps() securitytest.Deps {
	return securitytest.Deps{
		Sessions:   rt.Sessions,
		Classify:   buildClassifier(rt.patterns),
		Aggregator: rt.Aggregator,
		Metrics:    rt.Metrics,
	}
}

// RunSecurityTest drives a security-test pass per spec §4.9.
func (rt *Runtime) RunSecurityTest(ctx context.Context, opts securitytest.Options) (types.SecurityTestReport, error) {
	return securitytest.Run(ctx, rt.securityTestDeps(), opts)
}

// RunStressTest drives a stress-test pass per spec §4.9.
func (rt *Runtime) RunStressTest(ctx context.Context, opts securitytest.StressOptions) (types.StressTestReport, error) {
	return securitytest.RunStress(ctx, rt.securityTestDeps(), opts)
}

// Stop unwinds the Runtime in order: stop accepting new work, drain the
// Worker Pool, then close every pool from the outside in.
func (rt *Runtime) Stop() {
	log.Info().Msg("shutting down runtime")

	if rt.watchCancel != nil {
		rt.watchCancel()
	}
	if rt.memCancel != nil {
		rt.memCancel()
	}

	rt.Workers.Stop()

	if rt.shutdownHTTP != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.shutdownHTTP(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics/health server shutdown error")
		}
		cancel()
	}

	if rt.closeProxyWatch != nil {
		if err := rt.closeProxyWatch(); err != nil {
			log.Warn().Err(err).Msg("proxy watcher close error")
		}
	}

	if rt.patterns != nil {
		if err := rt.patterns.Close(); err != nil {
			log.Warn().Err(err).Msg("detection patterns watcher close error")
		}
	}

	if err := rt.Queue.Close(); err != nil {
		log.Error().Err(err).Msg("queue close error")
	}
	rt.Sessions.CloseAll()

	log.Info().Msg("runtime shutdown complete")
}

func loadProxyFile(pool *proxy.Pool, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, p := range proxy.ParseFile(f) {
		if err := pool.Add(p); err != nil {
			log.Warn().Err(err).Str("proxy", p.HostPort()).Msg("skipping invalid proxy entry")
		}
	}
	return nil
}

// SetupLogging configures zerolog with a console writer, the global level
// driven by cfg.LogLevel.
func SetupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
