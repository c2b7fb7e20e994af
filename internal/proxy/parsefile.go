package proxy

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// ParseLine parses one proxy-list line in the form:
//
//	host:port
//	host:port@user:pass
//
// Default type is http. Parse errors are returned to the caller so
// ParseFile can log a per-line warning and skip rather than abort.
func ParseLine(line string) (*types.Proxy, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty line")
	}

	hostPortPart := line
	var auth *types.ProxyAuth
	if idx := strings.Index(line, "@"); idx >= 0 {
		hostPortPart = line[:idx]
		credPart := line[idx+1:]
		user, pass, ok := strings.Cut(credPart, ":")
		if !ok {
			return nil, fmt.Errorf("malformed credentials in %q", line)
		}
		auth = &types.ProxyAuth{Username: user, Password: pass}
	}

	host, portStr, ok := strings.Cut(hostPortPart, ":")
	if !ok || host == "" || portStr == "" {
		return nil, fmt.Errorf("malformed host:port in %q", line)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port in %q", line)
	}

	// Proxy endpoints are operator-supplied via a flat file, not hand-typed
	// one at a time, so a stale or poisoned list entry could point at a
	// cloud metadata service. allowPrivateIPs stays true: local/LAN proxies
	// are a legitimate deployment, metadata endpoints never are.
	proxyURL := fmt.Sprintf("%s://%s:%d", types.ProxyHTTP, host, port)
	if err := security.ValidateProxyURL(proxyURL, true); err != nil {
		return nil, fmt.Errorf("rejected proxy endpoint %q: %w", hostPortPart, err)
	}

	return &types.Proxy{
		Type:  types.ProxyHTTP,
		Host:  host,
		Port:  port,
		Auth:  auth,
		Score: defaultScore,
	}, nil
}

// FormatLine renders a Proxy back into the line format ParseLine consumes,
// round-tripping a well-formed line.
func FormatLine(px *types.Proxy) string {
	line := fmt.Sprintf("%s:%d", px.Host, px.Port)
	if px.Auth != nil && px.Auth.Username != "" {
		line += fmt.Sprintf("@%s:%s", px.Auth.Username, px.Auth.Password)
	}
	return line
}

// ParseFile reads line-oriented proxy entries from r. Blank lines are
// ignored; malformed lines are skipped with a warning rather than aborting
// the whole file, per the external-interfaces contract (§6).
func ParseFile(r io.Reader) []*types.Proxy {
	var out []*types.Proxy
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		px, err := ParseLine(line)
		if err != nil {
			log.Warn().Int("line", lineNo).Err(err).Msg("skipping malformed proxy list line")
			continue
		}
		out = append(out, px)
	}
	return out
}
