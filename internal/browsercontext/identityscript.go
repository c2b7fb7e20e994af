package browsercontext

import (
	"encoding/json"
	"fmt"

	"github.com/duskveil/duskveil/internal/types"
)

// identityInitScript renders a self-contained JS snippet that overrides
// navigator.*, screen, canvas/WebGL/audio noise, and timezone to match
// identity. It layers on top of the stealth.Page patches rather than
// replacing them: stealth.Page hides automation; this script makes the
// reported hardware/locale consistent with the rest of the session.
func identityInitScript(id types.Identity) string {
	languages, _ := json.Marshal(id.Languages)
	fonts, _ := json.Marshal(id.Fonts)
	plugins, _ := json.Marshal(id.Plugins)

	return fmt.Sprintf(`
(() => {
  'use strict';
  if (window.__identityApplied) return;
  window.__identityApplied = true;
  try {
    const languages = %s;
    const fonts = %s;
    const pluginNames = %s;

    Object.defineProperty(navigator, 'userAgent', { get: () => %q, configurable: true });
    Object.defineProperty(navigator, 'platform', { get: () => %q, configurable: true });
    Object.defineProperty(navigator, 'vendor', { get: () => %q, configurable: true });
    Object.defineProperty(navigator, 'languages', { get: () => languages, configurable: true });
    Object.defineProperty(navigator, 'language', { get: () => languages[0] || 'en-US', configurable: true });
    Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => %d, configurable: true });
    Object.defineProperty(navigator, 'deviceMemory', { get: () => %d, configurable: true });

    Object.defineProperty(screen, 'width', { get: () => %d, configurable: true });
    Object.defineProperty(screen, 'height', { get: () => %d, configurable: true });
    Object.defineProperty(screen, 'availWidth', { get: () => %d, configurable: true });
    Object.defineProperty(screen, 'availHeight', { get: () => %d, configurable: true });
    Object.defineProperty(screen, 'colorDepth', { get: () => %d, configurable: true });
    Object.defineProperty(screen, 'pixelDepth', { get: () => %d, configurable: true });
    Object.defineProperty(window, 'devicePixelRatio', { get: () => %g, configurable: true });

    try {
      const fmtOpts = Intl.DateTimeFormat().resolvedOptions;
      Intl.DateTimeFormat = new Proxy(Intl.DateTimeFormat, {
        construct(target, args) {
          const inst = new target(...args);
          const original = inst.resolvedOptions.bind(inst);
          inst.resolvedOptions = () => ({ ...original(), timeZone: %q });
          return inst;
        }
      });
    } catch (e) {}

    const canvasSeed = %d;
    const audioSeed = %d;
    function noise(seed, i) {
      let x = (seed ^ (i * 2654435761)) >>> 0;
      x ^= x << 13; x ^= x >>> 17; x ^= x << 5;
      return (x >>> 0) / 4294967295;
    }
    try {
      const origToDataURL = HTMLCanvasElement.prototype.toDataURL;
      HTMLCanvasElement.prototype.toDataURL = function(...args) {
        const ctx = this.getContext('2d');
        if (ctx) {
          const imgData = ctx.getImageData(0, 0, this.width, this.height);
          for (let i = 0; i < imgData.data.length; i += 4) {
            imgData.data[i] = (imgData.data[i] + Math.floor(noise(canvasSeed, i) * 2)) & 0xff;
          }
          ctx.putImageData(imgData, 0, 0);
        }
        return origToDataURL.apply(this, args);
      };
    } catch (e) {}
    try {
      const origGetChannelData = AudioBuffer.prototype.getChannelData;
      AudioBuffer.prototype.getChannelData = function(channel) {
        const data = origGetChannelData.call(this, channel);
        for (let i = 0; i < data.length; i += 100) {
          data[i] += (noise(audioSeed, i) - 0.5) * 1e-7;
        }
        return data;
      };
    } catch (e) {}

    try {
      Object.defineProperty(navigator, 'plugins', {
        get: () => {
          const arr = pluginNames.map((name) => ({ name, filename: name, description: '' }));
          arr.item = (i) => arr[i] || null;
          arr.namedItem = (n) => arr.find((p) => p.name === n) || null;
          return arr;
        },
        configurable: true
      });
    } catch (e) {}

    try {
      if (document.fonts && document.fonts.check) {
        const origCheck = document.fonts.check.bind(document.fonts);
        document.fonts.check = (spec, text) => fonts.some((f) => spec.includes(f)) || origCheck(spec, text);
      }
    } catch (e) {}

    try {
      ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach((ctxName) => {
        const ctx = window[ctxName];
        if (!ctx || !ctx.prototype) return;
        const orig = ctx.prototype.getParameter;
        ctx.prototype.getParameter = function(param) {
          if (param === 37445) return %q;
          if (param === 37446) return %q;
          return orig.call(this, param);
        };
      });
    } catch (e) {}
  } catch (e) {
    console.debug('[identity] patch application failed:', e && e.message);
  }
})();
`,
		languages, fonts, plugins,
		id.UserAgent, platformToken(id.Platform), id.Vendor,
		id.HWConcurrency, id.DeviceMemory,
		id.Screen.Size.W, id.Screen.Size.H, id.Screen.AvailSize.W, id.Screen.AvailSize.H,
		id.Screen.ColorDepth, id.Screen.ColorDepth, id.Screen.DevicePixelRatio,
		id.Timezone,
		id.CanvasSeed, id.AudioSeed,
		id.WebGL.Vendor, id.WebGL.Renderer,
	)
}

// platformToken maps our internal platform key to navigator.platform's
// expected value.
func platformToken(platform string) string {
	switch platform {
	case "windows":
		return "Win32"
	case "macos":
		return "MacIntel"
	case "linux":
		return "Linux x86_64"
	default:
		return "Win32"
	}
}
