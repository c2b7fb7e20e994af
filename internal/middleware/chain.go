package middleware

import (
	"net/http"

	"github.com/duskveil/duskveil/internal/config"
)

// Chain creates a middleware chain from a list of middleware functions.
// Middleware are applied in order, so Chain(A, B, C) will execute as A(B(C(handler))).
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// MetricsServerChain wraps mux with the fixed middleware order duskveil's
// metrics/health surface always runs: Recovery has to sit outermost so it
// catches panics from everything below it, Logging/SecurityHeaders apply
// unconditionally, Timeout bounds how long a slow scraper can hold a
// goroutine open, and RateLimit/APIKey go last since either can
// short-circuit the request before mux ever sees it.
func MetricsServerChain(cfg *config.Config, rl *RateLimiterMiddleware, mux http.Handler) http.Handler {
	return Chain(
		Recovery,
		Logging,
		SecurityHeaders,
		Timeout(cfg.MetricsRequestTimeout),
		rl.Handler(),
		APIKey(cfg),
	)(mux)
}
