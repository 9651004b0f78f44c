package captcha

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

//go:embed widgets.js
var widgetScript string

// widgetScan is the result of widgets.js.
type widgetScan struct {
	Turnstile          bool `json:"turnstile"`
	Recaptcha          bool `json:"recaptcha"`
	RecaptchaChallenge bool `json:"recaptchaChallenge"`
	HCaptcha           bool `json:"hcaptcha"`
	Keys               struct {
		Turnstile string `json:"turnstile"`
		Recaptcha string `json:"recaptcha"`
		HCaptcha  string `json:"hcaptcha"`
	} `json:"keys"`
}

// Challenge is a visible CAPTCHA widget on the current page.
type Challenge struct {
	Kind    Kind
	SiteKey string
	// WidgetFrameID is the frame holding the checkbox (reCAPTCHA anchor,
	// hCaptcha checkbox, Turnstile widget).
	WidgetFrameID string
	// ChallengeFrameID is the reCAPTCHA image challenge frame.
	ChallengeFrameID string
	// GridVisible is set when an image-grid challenge is showing.
	GridVisible bool
}

// Present reports whether a widget was found.
func (c Challenge) Present() bool { return c.Kind != "" && c.Kind != KindNone }

// Detect inspects the page for CAPTCHA widgets. Cloudflare Turnstile wins over
// reCAPTCHA, which wins over hCaptcha. Invisible and zero-sized widgets are
// ignored.
func Detect(ctx context.Context, page schemas.Page) (Challenge, error) {
	// 1. Check the main document for visible widgets.
	var scan widgetScan
	if err := page.Evaluate(ctx, widgetScript, &scan); err != nil {
		return Challenge{Kind: KindNone}, fmt.Errorf("captcha scan: %w", err)
	}
	// 2. Widgets live in cross-origin frames; their URLs carry the site key.
	frames, err := page.Frames(ctx)
	if err != nil {
		return Challenge{Kind: KindNone}, fmt.Errorf("captcha frames: %w", err)
	}
	return classify(scan, frames), nil
}

// classify combines the scan and the frame list, in provider precedence order.
func classify(scan widgetScan, frames []schemas.FrameInfo) Challenge {
	switch {
	case scan.Turnstile:
		ch := Challenge{Kind: KindTurnstile, SiteKey: scan.Keys.Turnstile}
		if f, ok := findFrame(frames, "challenges.cloudflare.com"); ok {
			ch.WidgetFrameID = f.ID
			if ch.SiteKey == "" {
				ch.SiteKey = SitekeyFromFrameURL(f.URL, KindTurnstile)
			}
		} else if f, ok := findFrame(frames, "turnstile"); ok {
			// Self-hosted Turnstile proxies use a different host.
			ch.WidgetFrameID = f.ID
		}
		return ch

	case scan.Recaptcha || scan.RecaptchaChallenge:
		ch := Challenge{Kind: KindRecaptcha, SiteKey: scan.Keys.Recaptcha, GridVisible: scan.RecaptchaChallenge}
		if f, ok := findFrame(frames, "recaptcha", "anchor"); ok {
			ch.WidgetFrameID = f.ID
			if k := SitekeyFromFrameURL(f.URL, KindRecaptcha); k != "" {
				ch.SiteKey = k
			}
		}
		// bframe is the image challenge, anchor the checkbox.
		if f, ok := findFrame(frames, "recaptcha", "bframe"); ok {
			ch.ChallengeFrameID = f.ID
			if ch.SiteKey == "" {
				ch.SiteKey = SitekeyFromFrameURL(f.URL, KindRecaptcha)
			}
		}
		return ch

	case scan.HCaptcha:
		ch := Challenge{Kind: KindHCaptcha, SiteKey: scan.Keys.HCaptcha}
		if f, ok := findFrame(frames, "hcaptcha", "checkbox"); ok {
			ch.WidgetFrameID = f.ID
			if ch.SiteKey == "" {
				ch.SiteKey = SitekeyFromFrameURL(f.URL, KindHCaptcha)
			}
		}
		return ch
	}
	return Challenge{Kind: KindNone}
}

// findFrame returns the first frame whose URL contains every part.
func findFrame(frames []schemas.FrameInfo, parts ...string) (schemas.FrameInfo, bool) {
	for _, f := range frames {
		match := true
		for _, p := range parts {
			if !strings.Contains(f.URL, p) {
				match = false
				break
			}
		}
		if match {
			return f, true
		}
	}
	return schemas.FrameInfo{}, false
}
