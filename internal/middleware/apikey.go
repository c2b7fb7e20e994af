// Package middleware provides HTTP middleware for the metrics/health surface.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/duskveil/duskveil/internal/config"
)

// APIKey returns middleware that gates access to cfg.MetricsAddr behind a
// shared key. Disabled by default (MetricsAPIKeyEnabled=false); meant for
// deployments where the metrics/health port is reachable beyond localhost.
//
// Security: the key is only accepted via the X-API-Key header. Query
// parameter support was deliberately omitted: query strings appear in
// access logs, browser history, and referrer headers.
func APIKey(cfg *config.Config) func(http.Handler) http.Handler {
	// Pre-computed hash lets the comparison run in constant time regardless
	// of the configured key's length.
	expectedHash := sha256.Sum256([]byte(cfg.MetricsAPIKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.MetricsAPIKeyEnabled {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("X-API-Key")
			providedHash := sha256.Sum256([]byte(apiKey))
			if subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid or missing API key", time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
