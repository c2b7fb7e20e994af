// Package browsercontext provides the go-rod-backed implementation of
// types.BrowserContext: one dedicated browser process per session, launched
// with anti-detection flags, identity-bound via init scripts, and (when the
// session is proxy-bound) wired for CDP-level proxy authentication.
package browsercontext

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// Context is the concrete types.BrowserContext backing one Session. It owns
// exactly one browser process and one page; closing it tears both down.
type Context struct {
	browser  *rod.Browser
	page     *rod.Page
	identity types.Identity
	proxy    *types.Proxy

	authCleanup func()
	closeOnce   sync.Once

	lastHost string
}

var _ types.BrowserContext = (*Context)(nil)

// New launches a dedicated browser process for identity (and optionally
// proxy), applies stealth patches and the identity init script, and returns
// a ready-to-navigate Context. The identity is applied once, at creation,
// per §4.4 — there is no re-apply; SessionPool.Rotate discards the Context
// and builds a fresh one instead.
func New(ctx context.Context, cfg *config.Config, identity types.Identity, proxy *types.Proxy) (*Context, error) {
	l := buildLauncher(cfg, identity, proxy)

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch browser: %v", types.ErrNavigationFailed, err)
	}

	browser := rod.New().ControlURL(launchURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect to browser: %v", types.ErrNavigationFailed, err)
	}

	if cfg.IgnoreCertErrors {
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to set ignore-cert-errors")
		}
	}

	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("%w: create stealth page: %v", types.ErrNavigationFailed, err)
	}

	bc := &Context{browser: browser, page: page, identity: identity, proxy: proxy}

	if proxy != nil && proxy.Auth != nil && proxy.Auth.Username != "" {
		cleanup, err := setPageProxyAuth(ctx, page, proxy.Auth.Username, proxy.Auth.Password)
		if err != nil {
			_ = browser.Close()
			return nil, fmt.Errorf("%w: proxy auth setup: %v", types.ErrNavigationFailed, err)
		}
		bc.authCleanup = cleanup
	}

	if err := bc.applyIdentity(); err != nil {
		_ = browser.Close()
		return nil, err
	}

	return bc, nil
}

// applyIdentity installs the init script overriding navigator.*, screen,
// canvas/WebGL/audio, plugins, fonts, and timezone, consistent with the
// identity, then sets viewport and user agent. The script does not patch
// WebRTC (the launch flags in buildLauncher restrict it), battery, or timing
// APIs. Installed once at construction, per the "re-application not
// supported" contract.
func (c *Context) applyIdentity() error {
	script := identityInitScript(c.identity)
	if _, err := c.page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("%w: install identity init script: %v", types.ErrConfigurationError, err)
	}
	if _, err := c.page.Evaluate(rod.Eval(script)); err != nil {
		log.Debug().Err(err).Msg("identity script eval on current document had non-fatal errors")
	}

	w, h := c.identity.Viewport.W, c.identity.Viewport.H
	if w > 0 && h > 0 {
		if err := c.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             w,
			Height:            h,
			DeviceScaleFactor: c.identity.Screen.DevicePixelRatio,
			Mobile:            false,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to set viewport from identity")
		}
	}

	if c.identity.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{
			UserAgent:      c.identity.UserAgent,
			AcceptLanguage: acceptLanguageHeader(c.identity.Languages),
		}).Call(c.page); err != nil {
			log.Warn().Err(err).Msg("failed to set user agent override from identity")
		}
	}
	return nil
}

func acceptLanguageHeader(langs []string) string {
	if len(langs) == 0 {
		return "en-US,en;q=0.9"
	}
	header := langs[0]
	for _, extra := range langs[1:] {
		header += "," + extra + ";q=0.8"
	}
	return header
}

// Navigate loads url on the session's page.
func (c *Context) Navigate(ctx context.Context, rawURL string) error {
	if err := c.page.Context(ctx).Navigate(rawURL); err != nil {
		return fmt.Errorf("%w: %v", types.ErrNavigationFailed, err)
	}
	if err := c.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("%w: wait for load: %v", types.ErrNavigationFailed, err)
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		c.lastHost = parsed.Hostname()
	}
	return nil
}

// Evaluate runs script in the page and returns its JSON-decoded result.
func (c *Context) Evaluate(ctx context.Context, script string) (any, error) {
	res, err := c.page.Context(ctx).Evaluate(rod.Eval(script))
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate: %v", types.ErrExtractionFailed, err)
	}
	var out any
	if err := json.Unmarshal(res.Value.Bytes(), &out); err != nil {
		return res.Value.Str(), nil
	}
	return out, nil
}

// SetInitScript installs an additional script to run before every document
// load on this page, in addition to the identity script applied at creation.
func (c *Context) SetInitScript(ctx context.Context, script string) error {
	if _, err := c.page.Context(ctx).EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("%w: install init script: %v", types.ErrConfigurationError, err)
	}
	return nil
}

// Content returns the page's current HTML.
func (c *Context) Content(ctx context.Context) (string, error) {
	html, err := c.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("%w: read content: %v", types.ErrExtractionFailed, err)
	}
	return html, nil
}

// Cookies returns the page's current cookies as a name-value map. A cookie
// whose domain sanitizes away from the page's own host (e.g. one scoped to
// a bare public suffix like "co.uk") is dropped rather than persisted or
// handed to the detection/extraction pipeline, since carrying it forward
// into a rotated identity's jar would let one site's cookie leak scope to
// every other site sharing that suffix.
func (c *Context) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := c.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: read cookies: %v", types.ErrExtractionFailed, err)
	}
	out := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		if c.lastHost != "" && ck.Domain != "" {
			if security.SanitizeCookieDomain(ck.Domain, c.lastHost) != ck.Domain {
				continue
			}
		}
		out[ck.Name] = ck.Value
	}
	return out, nil
}

// Screenshot captures the current page as a PNG.
func (c *Context) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := c.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", types.ErrExtractionFailed, err)
	}
	return data, nil
}

// Close tears down the page proxy-auth listeners and the browser process.
// Safe to call more than once.
func (c *Context) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		if c.authCleanup != nil {
			c.authCleanup()
		}
		closeTimeout(c.page.Close, 5*time.Second)
		if err := closeTimeout(c.browser.Close, 10*time.Second); err != nil {
			closeErr = err
		}
	})
	return closeErr
}

func closeTimeout(fn func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		log.Warn().Msg("browser context close timed out, abandoning")
		return nil
	}
}
