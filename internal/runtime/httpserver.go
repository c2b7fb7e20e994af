package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/middleware"
	"github.com/duskveil/duskveil/internal/types"
)

// healthHandler serves the Health report as JSON, 503 when unhealthy so
// external load balancers/orchestrators can use it as a liveness probe.
func (rt *Runtime) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := rt.Metrics.Health(types.HealthThresholds{
		MinSuccessRate:   rt.Config.HealthMinSuccessRate,
		MaxDetectionRate: rt.Config.HealthMaxDetectionRate,
		MaxAvgMs:         rt.Config.HealthMaxAvgMs,
	})
	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// buildHTTPHandler wraps /metrics and /health with the standard
// MetricsServerChain: Recovery/Logging/SecurityHeaders plus Timeout and
// per-IP RateLimit, and (when MetricsAPIKeyEnabled) APIKey -- for
// deployments where this port is reachable beyond localhost. CORS is
// omitted: nothing ever fetches this surface cross-origin from a browser.
func (rt *Runtime) buildHTTPHandler(rl *middleware.RateLimiterMiddleware) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	mux.HandleFunc("/health", rt.healthHandler)

	return middleware.MetricsServerChain(rt.Config, rl, mux)
}

// startHTTPServer launches the metrics/health HTTP server if
// cfg.MetricsEnabled, returning a shutdown func (nil if disabled).
func (rt *Runtime) startHTTPServer() func(context.Context) error {
	if !rt.Config.MetricsEnabled {
		return nil
	}

	rl := middleware.NewRateLimitMiddleware(rt.Config.MetricsRateLimitPerMinute, rt.Config.MetricsTrustProxyHeaders)

	server := &http.Server{
		Addr:              rt.Config.MetricsAddr,
		Handler:           rt.buildHTTPHandler(rl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", rt.Config.MetricsAddr).Msg("metrics/health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics/health server failed")
		}
	}()

	return func(ctx context.Context) error {
		rl.Close()
		return server.Shutdown(ctx)
	}
}
