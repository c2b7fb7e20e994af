// Package identitygen holds the platform-correlated attribute tables behind
// GenerateIdentity. Every field on a generated Identity that is marked
// platform-correlated in internal/types.Identity is drawn from the SAME
// platformRecord; nothing here mixes a Windows user agent with a macOS
// WebGL renderer.
package identitygen

import (
	"math/rand"

	"github.com/duskveil/duskveil/internal/types"
)

// platformRecord is one internally-consistent bundle of attributes for a
// single platform/browser combination.
type platformRecord struct {
	platform      string
	userAgent     string
	vendor        string
	hwConcurrency []int
	deviceMemory  []int
	screens       []types.Size
	colorDepths   []int
	fonts         []string
	plugins       []string
	webgl         types.WebGL
	tlsProfileID  string
}

var records = map[string][]platformRecord{
	"windows": {
		{
			platform:      "windows",
			userAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			vendor:        "Google Inc.",
			hwConcurrency: []int{4, 8, 12, 16},
			deviceMemory:  []int{4, 8, 16},
			screens:       []types.Size{{W: 1920, H: 1080}, {W: 2560, H: 1440}, {W: 1366, H: 768}},
			colorDepths:   []int{24, 30},
			fonts:         []string{"Arial", "Calibri", "Cambria", "Consolas", "Segoe UI", "Tahoma", "Times New Roman", "Verdana"},
			plugins:       []string{"Chrome PDF Plugin", "Chrome PDF Viewer", "Native Client"},
			webgl:         types.WebGL{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			tlsProfileID:  "chrome-124-win",
		},
		{
			platform:      "windows",
			userAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
			vendor:        "",
			hwConcurrency: []int{4, 8, 16},
			deviceMemory:  []int{8, 16},
			screens:       []types.Size{{W: 1920, H: 1080}, {W: 1536, H: 864}},
			colorDepths:   []int{24},
			fonts:         []string{"Arial", "Calibri", "Georgia", "Segoe UI", "Tahoma", "Verdana"},
			plugins:       []string{"PDF.js"},
			webgl:         types.WebGL{Vendor: "Mozilla", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 Direct3D11 vs_5_0 ps_5_0, D3D11)"},
			tlsProfileID:  "firefox-125-win",
		},
	},
	"macos": {
		{
			platform:      "macos",
			userAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			vendor:        "Apple Computer, Inc.",
			hwConcurrency: []int{8, 10},
			deviceMemory:  []int{8, 16},
			screens:       []types.Size{{W: 2560, H: 1600}, {W: 1440, H: 900}, {W: 3024, H: 1964}},
			colorDepths:   []int{30, 32},
			fonts:         []string{"Helvetica Neue", "San Francisco", "Menlo", "Monaco", "Avenir"},
			plugins:       []string{"WebKit built-in PDF"},
			webgl:         types.WebGL{Vendor: "Apple Inc.", Renderer: "Apple M2"},
			tlsProfileID:  "safari-17-mac",
		},
		{
			platform:      "macos",
			userAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			vendor:        "Google Inc.",
			hwConcurrency: []int{8, 10, 12},
			deviceMemory:  []int{8, 16},
			screens:       []types.Size{{W: 2560, H: 1600}, {W: 1680, H: 1050}},
			colorDepths:   []int{30},
			fonts:         []string{"Helvetica Neue", "San Francisco", "Menlo", "Avenir"},
			plugins:       []string{"Chrome PDF Plugin", "Chrome PDF Viewer"},
			webgl:         types.WebGL{Vendor: "Google Inc. (Apple)", Renderer: "ANGLE (Apple, Apple M2, OpenGL 4.1)"},
			tlsProfileID:  "chrome-124-mac",
		},
	},
	"linux": {
		{
			platform:      "linux",
			userAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			vendor:        "Google Inc.",
			hwConcurrency: []int{4, 8, 16, 32},
			deviceMemory:  []int{4, 8, 16},
			screens:       []types.Size{{W: 1920, H: 1080}, {W: 1280, H: 1024}},
			colorDepths:   []int{24},
			fonts:         []string{"DejaVu Sans", "Liberation Sans", "Noto Sans", "Ubuntu"},
			plugins:       []string{"Chrome PDF Plugin", "Chrome PDF Viewer"},
			webgl:         types.WebGL{Vendor: "Google Inc. (Mesa)", Renderer: "ANGLE (Mesa, Mesa Intel(R) UHD Graphics 620 (KBL GT2), OpenGL 4.6)"},
			tlsProfileID:  "chrome-124-linux",
		},
	},
}

var platformKeys = []string{"windows", "macos", "linux"}

func randomPlatform() string {
	return platformKeys[rand.Intn(len(platformKeys))]
}

func recordFor(platform string) platformRecord {
	recs, ok := records[platform]
	if !ok || len(recs) == 0 {
		platform = randomPlatform()
		recs = records[platform]
	}
	return recs[rand.Intn(len(recs))]
}

// GenerateIdentity produces a fully platform-correlated Identity for the
// given platform ("windows"|"macos"|"linux"|""). An empty platform picks
// one uniformly at random. Every attribute below is deterministic default
// (picked by the caller, see internal/identity.Assembler) or randomized
// within the SAME platformRecord — never mixed across records.
func GenerateIdentity(platform string) types.Identity {
	rec := recordFor(platform)

	screen := rec.screens[rand.Intn(len(rec.screens))]
	avail := types.Size{W: screen.W, H: screen.H - 40} // taskbar/menu-bar allowance
	viewport := types.Size{W: avail.W, H: avail.H - 80} // chrome/tab-bar allowance

	dpr := []float64{1.0, 1.25, 1.5, 2.0}[rand.Intn(4)]
	colorDepth := rec.colorDepths[rand.Intn(len(rec.colorDepths))]

	return types.Identity{
		Platform:      rec.platform,
		UserAgent:     rec.userAgent,
		Viewport:      viewport,
		Screen: types.Screen{
			Size:             screen,
			AvailSize:        avail,
			ColorDepth:       colorDepth,
			DevicePixelRatio: dpr,
		},
		Vendor:        rec.vendor,
		Languages:     []string{"en-US", "en"},
		Timezone:      "UTC",
		HWConcurrency: rec.hwConcurrency[rand.Intn(len(rec.hwConcurrency))],
		DeviceMemory:  rec.deviceMemory[rand.Intn(len(rec.deviceMemory))],
		Plugins:       append([]string(nil), rec.plugins...),
		Fonts:         append([]string(nil), rec.fonts...),
		WebGL:         rec.webgl,
		CanvasSeed:    rand.Int63(),
		AudioSeed:     rand.Int63(),
		TLSProfileID:  rec.tlsProfileID,
	}
}

// DefaultForPlatform returns the deterministic (non-randomized) identity for
// a platform: the first record's attributes, its first listed screen, dpr 1.0. Used
// by the Assembler when a given attribute's randomize flag is off.
func DefaultForPlatform(platform string) types.Identity {
	recs, ok := records[platform]
	if !ok || len(recs) == 0 {
		platform = "windows"
		recs = records[platform]
	}
	rec := recs[0]
	screen := rec.screens[0]
	avail := types.Size{W: screen.W, H: screen.H - 40}
	viewport := types.Size{W: avail.W, H: avail.H - 80}

	return types.Identity{
		Platform:  rec.platform,
		UserAgent: rec.userAgent,
		Viewport:  viewport,
		Screen: types.Screen{
			Size:             screen,
			AvailSize:        avail,
			ColorDepth:       rec.colorDepths[0],
			DevicePixelRatio: 1.0,
		},
		Vendor:        rec.vendor,
		Languages:     []string{"en-US", "en"},
		Timezone:      "UTC",
		HWConcurrency: rec.hwConcurrency[0],
		DeviceMemory:  rec.deviceMemory[0],
		Plugins:       append([]string(nil), rec.plugins...),
		Fonts:         append([]string(nil), rec.fonts...),
		WebGL:         rec.webgl,
		CanvasSeed:    1,
		AudioSeed:     2,
		TLSProfileID:  rec.tlsProfileID,
	}
}

// Platforms lists the supported platform keys.
func Platforms() []string {
	return append([]string(nil), platformKeys...)
}
