package types

import (
	"fmt"
	"time"
)

// ProxyType enumerates the supported proxy transports.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
	ProxySOCKS4 ProxyType = "socks4"
	ProxySOCKS5 ProxyType = "socks5"
)

// ProxyAuth holds optional proxy credentials.
type ProxyAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Proxy is one network egress point tracked by the Proxy Pool, with an EMA
// health score adapted by Update on every use.
type Proxy struct {
	Type        ProxyType  `json:"type"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Auth        *ProxyAuth `json:"auth,omitempty"`
	Country     string     `json:"country,omitempty"`
	Residential bool       `json:"residential"`
	Score       float64    `json:"score"`
	LastUsed    time.Time  `json:"lastUsed"`
	Inflight    int64      `json:"inflight"`

	// SessionDuration and MaxFailures apply only to residential-provider
	// proxies whose Auth.Username encodes a session/geo parameter; Rotate
	// may be forced externally once either threshold is reached.
	SessionDuration time.Duration `json:"sessionDuration,omitempty"`
	MaxFailures     int           `json:"maxFailures,omitempty"`
	boundAt         time.Time
	consecutiveFail int
}

// HostPort returns the "host:port" identity used as the proxy's map key.
func (p *Proxy) HostPort() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// DriverProxy is the opaque handoff format the core produces for the
// browser driver to consume (no core-internal fields leak through).
type DriverProxy struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ToDriverForm renders a Proxy into the driver handoff format.
func (p *Proxy) ToDriverForm() DriverProxy {
	d := DriverProxy{Server: fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)}
	if p.Auth != nil {
		d.Username = p.Auth.Username
		d.Password = p.Auth.Password
	}
	return d
}

// ProxyStats summarizes pool occupancy and health for reporting.
type ProxyStats struct {
	Total       int     `json:"total"`
	Residential int     `json:"residential"`
	AvgScore    float64 `json:"avgScore"`
	Evicted     int64   `json:"evicted"`
}
