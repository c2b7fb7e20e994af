package identitygen

import "testing"

func TestGenerateIdentityIsPlatformCorrelated(t *testing.T) {
	for _, platform := range Platforms() {
		id := GenerateIdentity(platform)
		if id.Platform != platform {
			t.Fatalf("expected platform %q, got %q", platform, id.Platform)
		}
		recs := records[platform]
		matched := false
		for _, rec := range recs {
			if rec.userAgent == id.UserAgent && rec.tlsProfileID == id.TLSProfileID && rec.webgl == id.WebGL {
				matched = true
			}
		}
		if !matched {
			t.Errorf("identity for %q drew attributes from more than one platform record", platform)
		}
	}
}

func TestGenerateIdentityViewportWithinScreen(t *testing.T) {
	id := GenerateIdentity("windows")
	if id.Viewport.W > id.Screen.AvailSize.W || id.Viewport.H > id.Screen.AvailSize.H {
		t.Errorf("viewport %+v exceeds availSize %+v", id.Viewport, id.Screen.AvailSize)
	}
	if id.Screen.AvailSize.W > id.Screen.Size.W || id.Screen.AvailSize.H > id.Screen.Size.H {
		t.Errorf("availSize %+v exceeds screen size %+v", id.Screen.AvailSize, id.Screen.Size)
	}
}

func TestGenerateIdentityDistinctSeeds(t *testing.T) {
	id := GenerateIdentity("linux")
	if id.CanvasSeed == id.AudioSeed {
		t.Errorf("expected distinct canvas/audio seeds, got %d == %d", id.CanvasSeed, id.AudioSeed)
	}
}

func TestGenerateIdentityUnknownPlatformFallsBack(t *testing.T) {
	id := GenerateIdentity("plan9")
	if id.Platform == "" {
		t.Errorf("expected a fallback platform, got empty")
	}
}

func TestDefaultForPlatformIsDeterministic(t *testing.T) {
	a := DefaultForPlatform("macos")
	b := DefaultForPlatform("macos")
	if a.UserAgent != b.UserAgent || a.TLSProfileID != b.TLSProfileID || a.CanvasSeed != b.CanvasSeed {
		t.Errorf("expected DefaultForPlatform to be deterministic, got %+v vs %+v", a, b)
	}
}
