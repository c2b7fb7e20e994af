package browsercontext

import (
	"runtime"
	"strconv"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/duskveil/duskveil/internal/config"
	"github.com/duskveil/duskveil/internal/security"
	"github.com/duskveil/duskveil/internal/types"
)

// buildLauncher configures a Rod launcher for one session's browser process,
// tuned for anti-detection: the "new" headless mode when cfg.Headless is set
// (a headed browser otherwise; no Xvfb display is managed here), SwiftShader
// WebGL, and no flags that reveal automation. identity supplies the viewport/
// language that make the launch flags consistent with what the page will
// later report via init scripts.
func buildLauncher(cfg *config.Config, identity types.Identity, proxy *types.Proxy) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxy != nil {
		l = l.Set("proxy-server", proxy.HostPort())
		log.Debug().Str("proxy", security.RedactProxy(proxy)).Msg("browser proxy configured")
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
		l = l.Set("ignore-ssl-errors")
	}

	lang := "en-US,en;q=0.9"
	if len(identity.Languages) > 0 {
		lang = identity.Languages[0]
		for _, extra := range identity.Languages[1:] {
			lang += "," + extra + ";q=0.8"
		}
	}
	l = l.Set("accept-lang", lang)

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	w, h := identity.Screen.Size.W, identity.Screen.Size.H
	if w == 0 || h == 0 {
		w, h = 1920, 1080
	}
	l = l.Set("window-size", strconv.Itoa(w)+","+strconv.Itoa(h))

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}
