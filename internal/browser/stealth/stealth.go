package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

//go:embed evasions.js
var evasionsScript string

// json is a drop-in for encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// geolocationAccuracy is reported in meters.
const geolocationAccuracy = 50

// Apply builds the CDP actions that make a tab look like a regular desktop
// Chrome matching the persona. It runs once per tab before the first
// navigation.
func Apply(p schemas.Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("timezone", p.Timezone),
	)

	// Order matters: headers and the UA must be in place before the
	// evasion script first runs.
	return chromedp.Tasks{
		network.Enable(),
		setExtraHTTPHeaders(p, logger),
		setUserAgentOverride(p, logger),
		setDeviceMetrics(p, logger),
		setEnvironmentOverrides(p, logger),
		injectEvasions(p, logger),
	}
}

// BuildScript returns the evasion script with the persona serialized in
// front of it.
func BuildScript(p schemas.Persona) (string, error) {
	personaJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("stealth: failed to marshal persona: %w", err)
	}
	return fmt.Sprintf("const __webpilotPersona = %s;\n%s", personaJSON, evasionsScript), nil
}

// FormatAcceptLanguage renders languages as an Accept-Language header with
// descending q-values, floored at 0.7.
func FormatAcceptLanguage(languages []string) string {
	if len(languages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(languages[0])
	for i := 1; i < len(languages); i++ {
		// Each further language drops by 0.1.
		q := 1.0 - float64(i)*0.1
		if q < 0.7 {
			q = 0.7
		}
		fmt.Fprintf(&b, ",%s;q=%.1f", languages[i], q)
	}
	return b.String()
}

// injectEvasions registers the script so it runs before any page script
// on every new document, frames included.
func injectEvasions(p schemas.Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		script, err := BuildScript(p)
		if err != nil {
			return err
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			logger.Error("Failed to inject evasions script", zap.Error(err))
			return fmt.Errorf("stealth: failed to inject evasions script: %w", err)
		}
		return nil
	})
}

// setUserAgentOverride replaces the UA string, platform and client hints.
func setUserAgentOverride(p schemas.Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		// Keep Chrome's own UA when the persona has none.
		if p.UserAgent == "" {
			return nil
		}
		override := emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(FormatAcceptLanguage(p.Languages))

		// Client hints must agree with the UA string or sites can tell.
		if hints := p.ClientHintsData; hints != nil {
			metadata := &emulation.UserAgentMetadata{
				Platform:        hints.Platform,
				PlatformVersion: hints.PlatformVersion,
				Architecture:    hints.Architecture,
				Bitness:         hints.Bitness,
				Mobile:          hints.Mobile,
			}
			// Brands populate Sec-CH-UA.
			for _, b := range hints.Brands {
				metadata.Brands = append(metadata.Brands, &emulation.UserAgentBrandVersion{
					Brand:   b.Brand,
					Version: b.Version,
				})
			}
			override = override.WithUserAgentMetadata(metadata)
		}

		if err := override.Do(ctx); err != nil {
			logger.Error("Failed to set UserAgent/ClientHints override via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set user agent override: %w", err)
		}
		return nil
	})
}

// setExtraHTTPHeaders sends the persona's languages on every request.
func setExtraHTTPHeaders(p schemas.Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		lang := FormatAcceptLanguage(p.Languages)
		if lang == "" {
			return nil
		}
		headers := network.Headers{"Accept-Language": lang}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			logger.Error("Failed to set extra HTTP headers via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set extra http headers: %w", err)
		}
		return nil
	})
}

// setDeviceMetrics pins the viewport and screen to the persona size.
func setDeviceMetrics(p schemas.Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		// No size means leave the window as launched.
		if p.Width <= 0 || p.Height <= 0 {
			return nil
		}
		// Screen size matches the viewport; there is no browser chrome to account for.
		orientation := emulation.OrientationTypeLandscapePrimary
		if p.Height > p.Width {
			orientation = emulation.OrientationTypePortraitPrimary
		}
		err := emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1.0, p.Mobile).
			WithScreenWidth(p.Width).
			WithScreenHeight(p.Height).
			WithScreenOrientation(&emulation.ScreenOrientation{Type: orientation}).
			Do(ctx)
		if err != nil {
			logger.Error("Failed to set device metrics override via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set device metrics: %w", err)
		}
		return nil
	})
}

// setEnvironmentOverrides keeps timezone, locale and geolocation consistent
// with the persona.
func setEnvironmentOverrides(p schemas.Persona, logger *zap.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if p.Timezone != "" {
			if err := emulation.SetTimezoneOverride(p.Timezone).Do(ctx); err != nil {
				logger.Error("Failed to set timezone override via CDP", zap.Error(err))
				return fmt.Errorf("stealth: failed to set timezone: %w", err)
			}
		}

		locale := p.Locale
		if locale == "" && len(p.Languages) > 0 {
			locale = p.Languages[0]
		}
		if locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(strings.ReplaceAll(locale, "_", "-")).Do(ctx); err != nil {
				// Chrome rejects a second override on the same tab; not fatal.
				logger.Debug("Locale override rejected", zap.Error(err))
			}
		}

		// Zero coordinates mean the persona has no location.
		if p.Latitude == 0 && p.Longitude == 0 {
			return nil
		}
		// Permissions are a browser-level command, not a target one.
		if c := chromedp.FromContext(ctx); c != nil && c.Browser != nil {
			grant := browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeGeolocation})
			if err := grant.Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
				logger.Debug("Geolocation permission grant failed", zap.Error(err))
			}
		}
		if err := emulation.SetGeolocationOverride().
			WithLatitude(p.Latitude).
			WithLongitude(p.Longitude).
			WithAccuracy(geolocationAccuracy).
			Do(ctx); err != nil {
			logger.Error("Failed to set geolocation override via CDP", zap.Error(err))
			return fmt.Errorf("stealth: failed to set geolocation: %w", err)
		}
		return nil
	})
}
