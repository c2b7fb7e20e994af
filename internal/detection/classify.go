// Package detection classifies anti-bot signals observed on a loaded page:
// Cloudflare/PerimeterX/DataDome challenge markers, CAPTCHA widgets, and
// generic block/rate-limit text. Classifiers are independent probes run
// against the same page content; each yields at most one Detection.
package detection

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/duskveil/duskveil/internal/selectors"
	"github.com/duskveil/duskveil/internal/types"
)

// maxBodyLenForRegex limits body size passed to regex matching to bound
// worst-case backtracking cost (ReDoS mitigation).
const maxBodyLenForRegex = 100 * 1024

// classifier is one independent probe. It inspects the page content/cookies
// and yields at most one Detection.
type classifier struct {
	name    string
	kind    types.DetectionKind
	details string
	probe   func(doc *goquery.Document, body string, cookies map[string]string) bool
}

// classifiers is ordered by specificity: named anti-bot vendors first, then
// generic text patterns, per the decision table (§4.7).
var classifiers = []classifier{
	{
		name: "cloudflare", kind: types.DetectionChallenge, details: "Cloudflare challenge page",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			if strings.Contains(body, "cf-chl") || strings.Contains(body, "cf-wrapper") {
				return true
			}
			return doc != nil && doc.Find("#cf-wrapper, .cf-browser-verification").Length() > 0
		},
	},
	{
		name: "perimeterx", kind: types.DetectionChallenge, details: "PerimeterX challenge",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			if _, ok := cookies["_px"]; ok {
				return true
			}
			return doc != nil && doc.Find("#px-captcha").Length() > 0
		},
	},
	{
		name: "datadome", kind: types.DetectionChallenge, details: "DataDome challenge",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			if _, ok := cookies["datadome"]; ok {
				return true
			}
			return strings.Contains(body, "dd.js")
		},
	},
	{
		name: "recaptcha", kind: types.DetectionCaptcha, details: "reCAPTCHA widget present",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			if doc == nil {
				return false
			}
			return doc.Find(".g-recaptcha, iframe[src*='recaptcha']").Length() > 0
		},
	},
	{
		name: "hcaptcha", kind: types.DetectionCaptcha, details: "hCaptcha widget present",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			if doc == nil {
				return false
			}
			return doc.Find(".h-captcha, iframe[src*='hcaptcha']").Length() > 0
		},
	},
	{
		name: "verify-human", kind: types.DetectionCaptcha, details: "verify you are human text present",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			return reVerifyHuman.MatchString(body)
		},
	},
	{
		name: "access-denied", kind: types.DetectionBlock, details: "access denied / forbidden / blocked text present",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			return reAccessDenied.MatchString(body) || reBlocked.MatchString(body)
		},
	},
	{
		name: "rate-limit", kind: types.DetectionRateLimit, details: "rate limit / too many requests text present",
		probe: func(doc *goquery.Document, body string, cookies map[string]string) bool {
			return reRateLimit.MatchString(body) || reTooManyRequests.MatchString(body)
		},
	},
}

var (
	reAccessDenied    = regexp.MustCompile(`(?i)access\s{1,5}denied|forbidden`)
	reBlocked         = regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`)
	reRateLimit       = regexp.MustCompile(`(?i)rate\s{0,3}limit`)
	reTooManyRequests = regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`)
	reVerifyHuman     = regexp.MustCompile(`(?i)verify\s{1,5}you\s{1,5}are\s{1,5}human`)
)

// Classify runs every registered classifier against the page content and
// returns all Detections produced, with url/timestamp attached by the
// caller's contract (the classifier functions themselves stay stateless).
// Calling Classify twice on the same page content yields the same multiset
// of kinds (classifier purity, invariant 7).
func Classify(url, body string, cookies map[string]string) []types.Detection {
	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}

	var doc *goquery.Document
	if parsed, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		doc = parsed
	}

	now := time.Now()
	var detections []types.Detection
	for _, c := range classifiers {
		if c.probe(doc, body, cookies) {
			detections = append(detections, types.Detection{
				Kind:      c.kind,
				URL:       url,
				Timestamp: now,
				Details:   c.details,
				Evidence:  c.name,
			})
		}
	}
	return detections
}

// ClassifyStatus folds an HTTP status code into the detection set: a fast
// path for 429/503 that runs before body regex matching.
func ClassifyStatus(statusCode int, url string) (types.Detection, bool) {
	now := time.Now()
	switch statusCode {
	case 429:
		return types.Detection{Kind: types.DetectionRateLimit, URL: url, Timestamp: now, Details: "HTTP 429 Too Many Requests"}, true
	case 503:
		return types.Detection{Kind: types.DetectionRateLimit, URL: url, Timestamp: now, Details: "HTTP 503 Service Unavailable"}, true
	default:
		return types.Detection{}, false
	}
}

// ClassifyCustom matches body against mgr's current operator-supplied
// patterns, supplementing the built-in vendor classifiers with markers for
// anti-bot products the fixed classifier set doesn't name. A nil mgr (no
// custom patterns file configured) yields no detections.
func ClassifyCustom(mgr *selectors.Manager, url, body string) []types.Detection {
	if mgr == nil {
		return nil
	}
	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}
	lower := strings.ToLower(body)
	patterns := mgr.Get()
	now := time.Now()

	var detections []types.Detection
	for _, marker := range patterns.AccessDenied {
		if strings.Contains(lower, strings.ToLower(marker)) {
			detections = append(detections, types.Detection{
				Kind: types.DetectionBlock, URL: url, Timestamp: now,
				Details: "custom block pattern matched", Evidence: marker,
			})
			break
		}
	}
	for _, marker := range patterns.Turnstile {
		if strings.Contains(lower, strings.ToLower(marker)) {
			detections = append(detections, types.Detection{
				Kind: types.DetectionChallenge, URL: url, Timestamp: now,
				Details: "custom challenge pattern matched", Evidence: marker,
			})
			break
		}
	}
	for _, marker := range patterns.JavaScript {
		if strings.Contains(lower, strings.ToLower(marker)) {
			detections = append(detections, types.Detection{
				Kind: types.DetectionChallenge, URL: url, Timestamp: now,
				Details: "custom JS-challenge pattern matched", Evidence: marker,
			})
			break
		}
	}
	return detections
}
