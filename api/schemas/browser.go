package schemas

import (
	"context"
	"time"
)

// -- Browser Persona Schemas --

// UserAgentBrandVersion is a local replacement for emulation.UserAgentBrandVersion.
type UserAgentBrandVersion struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// ClientHints defines the User-Agent Client Hints data.
type ClientHints struct {
	Platform        string                   `json:"platform"`
	PlatformVersion string                   `json:"platformVersion"`
	Architecture    string                   `json:"architecture"`
	Bitness         string                   `json:"bitness"`
	Mobile          bool                     `json:"mobile"`
	Brands          []*UserAgentBrandVersion `json:"brands"`
}

// Persona encapsulates all properties for a consistent browser fingerprint.
type Persona struct {
	UserAgent       string       `json:"userAgent"`
	Platform        string       `json:"platform"`
	Vendor          string       `json:"vendor"`
	Languages       []string     `json:"languages"`
	Width           int64        `json:"width"`
	Height          int64        `json:"height"`
	AvailWidth      int64        `json:"availWidth"`
	AvailHeight     int64        `json:"availHeight"`
	ColorDepth      int64        `json:"colorDepth"`
	PixelDepth      int64        `json:"pixelDepth"`
	HardwareThreads int64        `json:"hardwareConcurrency"`
	Mobile          bool         `json:"mobile"`
	Timezone        string       `json:"timezoneId"`
	Locale          string       `json:"locale"`
	Latitude        float64      `json:"latitude"`
	Longitude       float64      `json:"longitude"`
	ClientHintsData *ClientHints `json:"clientHintsData,omitempty"`
}

// DefaultPersona is a desktop Chrome on Windows located in New York.
var DefaultPersona = Persona{
	UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	Platform:        "Win32",
	Vendor:          "Google Inc.",
	Languages:       []string{"en-US", "en"},
	Width:           1920,
	Height:          1080,
	AvailWidth:      1920,
	AvailHeight:     1040,
	ColorDepth:      24,
	PixelDepth:      24,
	HardwareThreads: 8,
	Timezone:        "America/New_York",
	Locale:          "en-US",
	Latitude:        40.7128,
	Longitude:       -74.0060,
	ClientHintsData: &ClientHints{
		Platform:        "Windows",
		PlatformVersion: "10.0.0",
		Architecture:    "x86",
		Bitness:         "64",
		Brands: []*UserAgentBrandVersion{
			{Brand: "Google Chrome", Version: "131"},
			{Brand: "Chromium", Version: "131"},
			{Brand: "Not_A Brand", Version: "24"},
		},
	},
}

// -- Page Interaction Schemas --

// Key names a keyboard key understood by Page.PressKey.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
)

// Query describes an element to find on the page. Empty fields do not
// constrain the match. The first visible match in document order wins.
type Query struct {
	// Selector is a CSS selector the element must match.
	Selector string `json:"selector,omitempty"`
	// Role is an ARIA role (explicit or implicit): link, button, textbox, checkbox.
	Role string `json:"role,omitempty"`
	// Name is matched against the accessible name.
	Name string `json:"name,omitempty"`
	// Exact requires Name to equal the accessible name (case-insensitive)
	// instead of containing it.
	Exact bool `json:"exact,omitempty"`
	// Text is matched as a case-insensitive substring of the visible text.
	Text string `json:"text,omitempty"`
	// EmptyOnly restricts form fields to those with an empty value.
	EmptyOnly bool `json:"emptyOnly,omitempty"`
	// IncludeHidden disables the visibility filter.
	IncludeHidden bool `json:"includeHidden,omitempty"`
	// FrameID scopes the search to one frame; empty means the main frame.
	FrameID string `json:"-"`
}

// ElementHandle references a located element until the next navigation.
type ElementHandle struct {
	ObjectID string
	FrameID  string
	// Tag and InputType describe the element (e.g. "input"/"password").
	Tag       string
	InputType string
	Text      string
}

// FrameInfo describes one frame of the current page.
type FrameInfo struct {
	ID   string
	URL  string
	Name string
}

// ClickOptions tunes a single click.
type ClickOptions struct {
	Timeout time.Duration
	// Force skips the actionability checks (visible, enabled, not covered).
	Force bool
}

// Page is everything the agent, the blocker detector and the CAPTCHA
// resolver need from the live browser.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
	// Evaluate runs script in the main frame and decodes the result into res (may be nil).
	Evaluate(ctx context.Context, script string, res interface{}) error
	EvaluateInFrame(ctx context.Context, frameID, script string, res interface{}) error
	Frames(ctx context.Context) ([]FrameInfo, error)
	// Locate returns nil, nil when nothing matches.
	Locate(ctx context.Context, q Query) (*ElementHandle, error)
	Click(ctx context.Context, el *ElementHandle, opts ClickOptions) error
	Fill(ctx context.Context, el *ElementHandle, text string) error
	PressKey(ctx context.Context, key Key) error
	ElementScreenshot(ctx context.Context, el *ElementHandle) ([]byte, error)
	// SwitchToLatestTab makes the newest open tab the active page.
	SwitchToLatestTab(ctx context.Context) error
	// Settle waits up to d for the page to finish loading.
	Settle(ctx context.Context, d time.Duration) error
}

// BrowserSession is a Page owned by a single run.
type BrowserSession interface {
	Page
	ID() string
	Close(ctx context.Context) error
}
