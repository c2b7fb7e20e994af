// Package identity coordinates with identitygen to assemble a complete,
// correlation-safe Identity from an IdentityConfig. It owns no attribute
// tables of its own: platform correlation and attribute pools live in
// identitygen, and this package only decides, per attribute, whether to draw
// the randomized value or the platform's deterministic default.
package identity

import (
	"fmt"
	"math/rand"

	"github.com/duskveil/duskveil/internal/identitygen"
	"github.com/duskveil/duskveil/internal/types"
)

// localeTimezones maps a locale prefix to a set of plausible IANA timezones.
// Used both to assign a timezone when a locale is forced and to validate the
// pairing in tests.
var localeTimezones = map[string][]string{
	"en-US": {"America/New_York", "America/Chicago", "America/Los_Angeles", "America/Denver"},
	"en-GB": {"Europe/London"},
	"de-DE": {"Europe/Berlin"},
	"fr-FR": {"Europe/Paris"},
	"ja-JP": {"Asia/Tokyo"},
	"pt-BR": {"America/Sao_Paulo"},
	"es-ES": {"Europe/Madrid"},
}

// Assembler builds Identities from an IdentityConfig.
type Assembler struct{}

// NewAssembler constructs an Assembler. It is stateless; one instance can be
// shared across goroutines.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble produces a complete, correlation-safe Identity honoring cfg's
// enabled/disabled flags, per §4.3.
func (a *Assembler) Assemble(cfg types.IdentityConfig) (types.Identity, error) {
	platform := cfg.Platform
	if platform == "" {
		platforms := identitygen.Platforms()
		platform = platforms[rand.Intn(len(platforms))]
	}

	randomized := identitygen.GenerateIdentity(platform)
	deterministic := identitygen.DefaultForPlatform(platform)

	id := deterministic
	id.Platform = randomized.Platform
	id.UserAgent = randomized.UserAgent
	id.Vendor = randomized.Vendor
	id.TLSProfileID = randomized.TLSProfileID
	id.Languages = randomized.Languages

	if cfg.RandomizeFonts {
		id.Fonts = randomized.Fonts
	}
	if cfg.RandomizePlugins {
		id.Plugins = randomized.Plugins
	}
	if cfg.RandomizeWebGL {
		id.WebGL = randomized.WebGL
	}
	if cfg.RandomizeHWConcurrency {
		id.HWConcurrency = randomized.HWConcurrency
	}
	if cfg.RandomizeDeviceMemory {
		id.DeviceMemory = randomized.DeviceMemory
	}
	if cfg.RandomizeScreen {
		id.Viewport = randomized.Viewport
		id.Screen = randomized.Screen
	}
	if cfg.RandomizeCanvasAudio {
		id.CanvasSeed = randomized.CanvasSeed
		id.AudioSeed = randomized.AudioSeed
	} else {
		id.CanvasSeed = deterministic.CanvasSeed
		id.AudioSeed = deterministic.AudioSeed
	}

	if cfg.Locale != "" {
		tz, err := TimezoneForLocale(cfg.Locale)
		if err != nil {
			return types.Identity{}, err
		}
		id.Locale = cfg.Locale
		id.Timezone = tz
	}

	if err := Validate(id); err != nil {
		return types.Identity{}, fmt.Errorf("assembled identity failed validation: %w", err)
	}
	return id, nil
}

// TimezoneForLocale returns a plausible timezone for locale, picked
// pseudo-randomly among the plausible set so repeated sessions for the same
// locale don't all share one timezone.
func TimezoneForLocale(locale string) (string, error) {
	zones, ok := localeTimezones[locale]
	if !ok || len(zones) == 0 {
		return "", fmt.Errorf("%w: no plausible timezone mapping for locale %q", types.ErrInvalidInput, locale)
	}
	return zones[rand.Intn(len(zones))], nil
}

// ValidLocaleTimezone reports whether tz is a plausible timezone for locale,
// exposed for test helpers per §4.3's "validation helper exposed for tests".
func ValidLocaleTimezone(locale, tz string) bool {
	zones, ok := localeTimezones[locale]
	if !ok {
		return false
	}
	for _, z := range zones {
		if z == tz {
			return true
		}
	}
	return false
}

// Validate checks the correlation invariants from §4.3 that are not already
// guaranteed by construction: viewport ≤ availSize ≤ size, devicePixelRatio
// in [0.5,3], colorDepth in {24,30,32}, and distinct canvas/audio seeds.
func Validate(id types.Identity) error {
	if id.Viewport.W > id.Screen.AvailSize.W || id.Viewport.H > id.Screen.AvailSize.H {
		return fmt.Errorf("%w: viewport %+v exceeds availSize %+v", types.ErrConfigurationError, id.Viewport, id.Screen.AvailSize)
	}
	if id.Screen.AvailSize.W > id.Screen.Size.W || id.Screen.AvailSize.H > id.Screen.Size.H {
		return fmt.Errorf("%w: availSize %+v exceeds screen size %+v", types.ErrConfigurationError, id.Screen.AvailSize, id.Screen.Size)
	}
	if id.Screen.DevicePixelRatio < 0.5 || id.Screen.DevicePixelRatio > 3 {
		return fmt.Errorf("%w: devicePixelRatio %v out of range [0.5,3]", types.ErrConfigurationError, id.Screen.DevicePixelRatio)
	}
	switch id.Screen.ColorDepth {
	case 24, 30, 32:
	default:
		return fmt.Errorf("%w: colorDepth %d not in {24,30,32}", types.ErrConfigurationError, id.Screen.ColorDepth)
	}
	if id.CanvasSeed == id.AudioSeed {
		return fmt.Errorf("%w: canvasSeed and audioSeed must be distinct", types.ErrConfigurationError)
	}
	if id.Locale != "" && !ValidLocaleTimezone(id.Locale, id.Timezone) {
		return fmt.Errorf("%w: timezone %q is not plausible for locale %q", types.ErrConfigurationError, id.Timezone, id.Locale)
	}
	return nil
}
