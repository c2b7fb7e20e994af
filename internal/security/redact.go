package security

import (
	"net/url"
	"strings"

	"github.com/duskveil/duskveil/internal/types"
)

// RedactURL removes sensitive information from a URL for safe logging.
// It redacts:
// - User credentials (user:pass@host)
// - Query parameters that look like secrets
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// If we can't parse it, redact aggressively
		return "[invalid-url]"
	}

	// Redact user credentials
	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}

	// Redact sensitive query parameters
	if parsed.RawQuery != "" {
		parsed.RawQuery = redactQueryParams(parsed.Query()).Encode()
	}

	return parsed.String()
}

// sensitiveParamPatterns are query parameter names that likely contain secrets
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"authorization",
	"bearer",
	"credential",
	"key",
	"access_token",
	"refresh_token",
	"session",
	"sessionid",
	"sid",
	"private",
}

func redactQueryParams(params url.Values) url.Values {
	redacted := make(url.Values)

	for key, values := range params {
		keyLower := strings.ToLower(key)
		shouldRedact := false

		for _, pattern := range sensitiveParamPatterns {
			if strings.Contains(keyLower, pattern) {
				shouldRedact = true
				break
			}
		}

		if shouldRedact {
			redacted[key] = []string{"[REDACTED]"}
		} else {
			redacted[key] = values
		}
	}

	return redacted
}

// RedactProxy renders px for safe logging. px.HostPort() never carries
// credentials (residential-provider auth travels out-of-band through
// CDP-level proxy authentication, not the launcher's proxy-server flag), but
// a configured Auth is still worth flagging rather than silently dropping,
// since Auth.Username itself sometimes encodes a session/geo token a
// provider would rather not see echoed into logs verbatim.
func RedactProxy(px *types.Proxy) string {
	if px == nil {
		return ""
	}
	if px.Auth != nil && px.Auth.Username != "" {
		return "[REDACTED]@" + px.HostPort()
	}
	return px.HostPort()
}
