package browsercontext

import (
	"strings"
	"testing"

	"github.com/duskveil/duskveil/internal/types"
)

func TestIdentityInitScriptEmbedsCoreAttributes(t *testing.T) {
	id := types.Identity{
		Platform:      "linux",
		UserAgent:     "UA/1.0",
		Vendor:        "Google Inc. (Mesa)",
		Languages:     []string{"en-US", "en"},
		HWConcurrency: 8,
		DeviceMemory:  8,
		Screen: types.Screen{
			Size:             types.Size{W: 1920, H: 1080},
			AvailSize:        types.Size{W: 1920, H: 1040},
			ColorDepth:       24,
			DevicePixelRatio: 1,
		},
		Timezone:   "Europe/Berlin",
		CanvasSeed: 111,
		AudioSeed:  222,
		WebGL:      types.WebGL{Vendor: "Google Inc. (Mesa)", Renderer: "ANGLE (Mesa)"},
	}

	script := identityInitScript(id)

	for _, want := range []string{"UA/1.0", "Europe/Berlin", "Linux x86_64", "ANGLE (Mesa)"} {
		if !strings.Contains(script, want) {
			t.Errorf("expected generated script to embed %q", want)
		}
	}
}

func TestPlatformTokenMapping(t *testing.T) {
	cases := map[string]string{
		"windows": "Win32",
		"macos":   "MacIntel",
		"linux":   "Linux x86_64",
		"unknown": "Win32",
	}
	for platform, want := range cases {
		if got := platformToken(platform); got != want {
			t.Errorf("platformToken(%q) = %q, want %q", platform, got, want)
		}
	}
}

func TestAcceptLanguageHeaderFormatting(t *testing.T) {
	if got := acceptLanguageHeader(nil); got != "en-US,en;q=0.9" {
		t.Errorf("expected default accept-language, got %q", got)
	}
	got := acceptLanguageHeader([]string{"de-DE", "en"})
	if !strings.HasPrefix(got, "de-DE,en;q=0.8") {
		t.Errorf("unexpected accept-language formatting: %q", got)
	}
}
