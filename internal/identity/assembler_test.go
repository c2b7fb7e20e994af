package identity

import (
	"testing"

	"github.com/duskveil/duskveil/internal/types"
)

func TestAssembleRespectsPlatformForce(t *testing.T) {
	a := NewAssembler()
	id, err := a.Assemble(types.IdentityConfig{Platform: "linux"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if id.Platform != "linux" {
		t.Errorf("expected forced platform linux, got %s", id.Platform)
	}
}

func TestAssembleAppliesLocaleTimezone(t *testing.T) {
	a := NewAssembler()
	id, err := a.Assemble(types.IdentityConfig{Platform: "windows", Locale: "ja-JP"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if id.Timezone != "Asia/Tokyo" {
		t.Errorf("expected Asia/Tokyo for ja-JP, got %s", id.Timezone)
	}
}

func TestAssembleRejectsUnknownLocale(t *testing.T) {
	a := NewAssembler()
	_, err := a.Assemble(types.IdentityConfig{Platform: "windows", Locale: "xx-ZZ"})
	if err == nil {
		t.Fatal("expected an error for an unmapped locale")
	}
}

func TestAssembleWithoutRandomizationUsesDeterministicDefaults(t *testing.T) {
	a := NewAssembler()
	id1, err := a.Assemble(types.IdentityConfig{Platform: "macos"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	id2, err := a.Assemble(types.IdentityConfig{Platform: "macos"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if id1.Viewport != id2.Viewport || id1.Screen != id2.Screen {
		t.Errorf("expected deterministic viewport/screen when randomization disabled, got %+v vs %+v", id1, id2)
	}
	if id1.CanvasSeed != id2.CanvasSeed || id1.AudioSeed != id2.AudioSeed {
		t.Errorf("expected deterministic seeds when RandomizeCanvasAudio disabled")
	}
}

func TestValidateCatchesViewportOverflow(t *testing.T) {
	id := identityFixture()
	id.Viewport = types.Size{W: 99999, H: 99999}
	if err := Validate(id); err == nil {
		t.Fatal("expected validation error for oversized viewport")
	}
}

func TestValidateCatchesBadColorDepth(t *testing.T) {
	id := identityFixture()
	id.Screen.ColorDepth = 16
	if err := Validate(id); err == nil {
		t.Fatal("expected validation error for unsupported colorDepth")
	}
}

func TestValidateCatchesDuplicateSeeds(t *testing.T) {
	id := identityFixture()
	id.CanvasSeed = 42
	id.AudioSeed = 42
	if err := Validate(id); err == nil {
		t.Fatal("expected validation error for identical canvas/audio seeds")
	}
}

func identityFixture() types.Identity {
	return types.Identity{
		Platform: "windows",
		Viewport: types.Size{W: 1280, H: 720},
		Screen: types.Screen{
			Size:             types.Size{W: 1920, H: 1080},
			AvailSize:        types.Size{W: 1920, H: 1040},
			ColorDepth:       24,
			DevicePixelRatio: 1.0,
		},
		CanvasSeed: 1,
		AudioSeed:  2,
	}
}
