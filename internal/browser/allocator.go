// internal/browser/allocator.go
package browser

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// AllocatorFlags returns the Chrome switches for one run, layered over
// chromedp's defaults: the automation switch is turned off, the
// anti-detection flags are added and user args ("--name=value" or "--name")
// come last so they win.
func AllocatorFlags(cfg config.BrowserConfig, persona schemas.Persona) map[string]any {
	width, height := cfg.ViewportSize()
	flags := map[string]any{
		"enable-automation":      false,
		"headless":               cfg.Headless,
		"disable-blink-features": "AutomationControlled",
		"disable-features":       "IsolateOrigins,site-per-process",
		"disable-extensions":     true,
		"no-sandbox":             true,
		"disable-dev-shm-usage":  true,
		"window-size":            fmt.Sprintf("%d,%d", width, height),
	}
	// Keep the process-level identity in line with the CDP overrides.
	if persona.Locale != "" {
		flags["lang"] = persona.Locale
	}
	if persona.UserAgent != "" {
		flags["user-agent"] = persona.UserAgent
	}
	if cfg.Headless {
		flags["disable-gpu"] = true
	}
	// Containers usually lack the setuid helper.
	if runtime.GOOS == "linux" {
		flags["disable-setuid-sandbox"] = true
	}

	// User args last, so they override anything above.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// AllocatorOptions turns AllocatorFlags into exec allocator options.
func AllocatorOptions(cfg config.BrowserConfig, persona schemas.Persona) []chromedp.ExecAllocatorOption {
	// Copy the defaults; the package-level array must not be mutated.
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range AllocatorFlags(cfg, persona) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// PersonaFromConfig overlays the configured browser identity on the default
// persona.
func PersonaFromConfig(cfg config.BrowserConfig) schemas.Persona {
	p := schemas.DefaultPersona
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	// A locale like "en-GB" also advertises its base language.
	if cfg.Locale != "" {
		p.Locale = cfg.Locale
		p.Languages = []string{cfg.Locale}
		if base, _, ok := strings.Cut(cfg.Locale, "-"); ok {
			p.Languages = append(p.Languages, base)
		}
	}
	if cfg.Timezone != "" {
		p.Timezone = cfg.Timezone
	}
	if cfg.Latitude != 0 || cfg.Longitude != 0 {
		p.Latitude, p.Longitude = cfg.Latitude, cfg.Longitude
	}
	w, h := cfg.ViewportSize()
	p.Width, p.Height = int64(w), int64(h)
	// Leave room for a taskbar, as a real desktop would.
	p.AvailWidth, p.AvailHeight = int64(w), int64(h)-40
	return p
}
