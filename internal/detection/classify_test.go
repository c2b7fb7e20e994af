package detection

import (
	"testing"

	"github.com/duskveil/duskveil/internal/types"
)

func TestClassifyCloudflareChallenge(t *testing.T) {
	body := `<html><body><div id="cf-wrapper">Checking your browser (cf-chl)</div></body></html>`
	dets := Classify("https://example.com", body, nil)
	if len(dets) == 0 {
		t.Fatal("expected at least one detection")
	}
	if dets[0].Kind != types.DetectionChallenge {
		t.Errorf("expected challenge kind, got %v", dets[0].Kind)
	}
}

func TestClassifyRecaptchaWidget(t *testing.T) {
	body := `<html><body><div class="g-recaptcha" data-sitekey="x"></div></body></html>`
	dets := Classify("https://example.com", body, nil)
	found := false
	for _, d := range dets {
		if d.Kind == types.DetectionCaptcha {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a captcha detection, got %+v", dets)
	}
}

func TestClassifyAccessDenied(t *testing.T) {
	body := "Access Denied: you are not allowed to view this page"
	dets := Classify("https://example.com", body, nil)
	if len(dets) != 1 || dets[0].Kind != types.DetectionBlock {
		t.Errorf("expected a single block detection, got %+v", dets)
	}
}

func TestClassifyNoSignal(t *testing.T) {
	body := "<html><body><h1>Welcome</h1></body></html>"
	dets := Classify("https://example.com", body, nil)
	if len(dets) != 0 {
		t.Errorf("expected no detections for benign page, got %+v", dets)
	}
}

func TestClassifyIsPure(t *testing.T) {
	body := `<div class="g-recaptcha"></div>`
	first := Classify("https://example.com", body, nil)
	second := Classify("https://example.com", body, nil)
	if len(first) != len(second) {
		t.Fatalf("expected repeat calls to yield same count, got %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Kind != second[i].Kind {
			t.Errorf("kind mismatch at %d: %v vs %v", i, first[i].Kind, second[i].Kind)
		}
	}
}

func TestClassifyStatusCode(t *testing.T) {
	d, ok := ClassifyStatus(429, "https://example.com")
	if !ok || d.Kind != types.DetectionRateLimit {
		t.Errorf("expected rate-limit detection for 429, got %+v ok=%v", d, ok)
	}
	if _, ok := ClassifyStatus(200, "https://example.com"); ok {
		t.Errorf("expected no detection for 200")
	}
}
