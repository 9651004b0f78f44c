// internal/agent/blocker.go
package agent

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

//go:embed blockers.js
var blockersScript string

// BlockerType classifies what is in the way.
type BlockerType string

const (
	BlockerNone         BlockerType = "none"
	BlockerLogin        BlockerType = "login"
	BlockerVerification BlockerType = "verification"
	BlockerCookies      BlockerType = "cookies"
)

const (
	blockerMaxTokens = 150
	// dismissTimeout bounds each close-button click.
	dismissTimeout = 2 * time.Second
	dismissPause   = time.Second
)

// BlockerVerdict is the classification of the current page.
type BlockerVerdict struct {
	Blocked bool        `json:"blocked"`
	Type    BlockerType `json:"blocker_type"`
	Reason  string      `json:"reason"`
}

// notBlocked is returned whenever detection cannot reach a verdict.
var notBlocked = BlockerVerdict{Blocked: false, Type: BlockerNone, Reason: "detection failed"}

// structuralScan is the result of blockers.js.
type structuralScan struct {
	Blocked bool   `json:"blocked"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
}

// dismissQueries are tried in order until one closes the overlay.
var dismissQueries = []schemas.Query{
	{Selector: "button", Text: "Close"},
	{Selector: "button", Text: "No thanks"},
	{Selector: "button", Text: "Maybe later"},
	{Selector: "button", Text: "Skip"},
	{Selector: "button", Text: "Not now"},
	{Selector: "button", Text: "Accept"},
	{Selector: "button", Text: "Got it"},
	{Selector: "[aria-label='Close']"},
	{Selector: ".close-button"},
	{Selector: ".modal-close"},
	{Selector: "[data-dismiss='modal']"},
	{Selector: "button.close"},
	{Selector: "[class*='close']"},
}

// loginIntentWords mark tasks that want to go through a login flow.
var loginIntentWords = []string{"login", "log in", "sign in", "signin", "sign up", "signup", "register"}

// HasLoginIntent reports whether the task itself asks for a login or signup.
func HasLoginIntent(prompt string) bool {
	return containsAny(strings.ToLower(prompt), loginIntentWords)
}

// BlockerDetector finds and removes login walls and consent banners.
type BlockerDetector struct {
	vision  schemas.VisionClient
	logger  *zap.Logger
	metrics *observability.Metrics
	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
}

// NewBlockerDetector creates a detector. metrics may be nil.
func NewBlockerDetector(vision schemas.VisionClient, logger *zap.Logger, metrics *observability.Metrics) *BlockerDetector {
	return &BlockerDetector{
		vision:  vision,
		logger:  logger.Named("blocker"),
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

// Detect classifies the page. A conclusive structural hit skips the model
// call. Any failure yields "not blocked".
func (d *BlockerDetector) Detect(ctx context.Context, page schemas.Page, shot []byte) BlockerVerdict {
	verdict := d.detect(ctx, page, shot)
	// Normalize so metrics always get a label.
	if verdict.Type == "" {
		verdict.Type = BlockerNone
	}
	d.metrics.ObserveBlocker(string(verdict.Type))
	if verdict.Blocked {
		d.logger.Info("Blocker detected.", zap.String("type", string(verdict.Type)), zap.String("reason", verdict.Reason))
	}
	return verdict
}

// detect runs the DOM scan first and asks the model only when it is inconclusive.
func (d *BlockerDetector) detect(ctx context.Context, page schemas.Page, shot []byte) BlockerVerdict {
	// 1. Look for an obvious dialog in the DOM.
	var scan structuralScan
	if err := page.Evaluate(ctx, blockersScript, &scan); err != nil {
		d.logger.Debug("Structural blocker scan failed.", zap.Error(err))
	} else if scan.Blocked && scan.Type != "" {
		return BlockerVerdict{Blocked: true, Type: BlockerType(scan.Type), Reason: scan.Reason}
	}

	// 2. Ask the model about the screenshot.
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "blocker",
		Prompt:          blockerPrompt,
		Image:           shot,
		MaxOutputTokens: blockerMaxTokens,
		JSON:            true,
	})
	if err != nil || strings.TrimSpace(answer) == "" {
		return notBlocked
	}
	verdict, err := llmutil.ParseJSONResponse[BlockerVerdict](answer)
	if err != nil {
		d.logger.Debug("Unreadable blocker verdict.", zap.String("raw", answer), zap.Error(err))
		return notBlocked
	}
	// 3. Anything outside the known types is treated as no blocker.
	switch verdict.Type {
	case BlockerLogin, BlockerVerification, BlockerCookies:
	default:
		verdict.Type = BlockerNone
		verdict.Blocked = false
	}
	return *verdict
}

// Dismiss tries each close affordance, then falls back to Escape. It reports
// true only when an affordance was clicked.
func (d *BlockerDetector) Dismiss(ctx context.Context, page schemas.Page) bool {
	for _, q := range dismissQueries {
		el, err := page.Locate(ctx, q)
		if err != nil || el == nil {
			continue
		}
		if err := page.Click(ctx, el, schemas.ClickOptions{Timeout: dismissTimeout}); err != nil {
			d.logger.Debug("Dismiss click failed.", zap.String("selector", q.Selector), zap.String("text", q.Text), zap.Error(err))
			continue
		}
		// Let the close animation finish before the next screenshot.
		_ = d.sleep(ctx, dismissPause)
		d.logger.Info("Dismissed overlay.", zap.String("selector", q.Selector), zap.String("text", q.Text))
		return true
	}

	// Escape closes many modals but gives no signal, so it never counts as success.
	if err := page.PressKey(ctx, schemas.KeyEscape); err != nil {
		d.logger.Debug("Escape failed.", zap.Error(err))
	}
	_ = d.sleep(ctx, dismissPause)
	return false
}
