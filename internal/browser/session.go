// internal/browser/session.go
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser/stealth"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/humanoid"
)

//go:embed locate.js
var locateScript string

// json is a drop-in for encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// isolatedWorldName keeps helper scripts out of the page's own globals.
	isolatedWorldName   = "webpilot"
	settlePollInterval  = 250 * time.Millisecond
	mouseEventTimeout   = 10 * time.Second
	actionabilityPoll   = 100 * time.Millisecond
	defaultClickTimeout = 5 * time.Second
	// The hover pause range mimics a person settling the pointer.
	hoverPauseMin = 80 * time.Millisecond
	hoverPauseMax = 250 * time.Millisecond
)

var (
	// ErrSessionClosed is returned by every call made after Close.
	ErrSessionClosed = errors.New("browser session is closed")
	// ErrNotActionable means the element stayed hidden, disabled or covered
	// for the whole click timeout.
	ErrNotActionable = errors.New("element is not actionable")
	// ErrNoGeometry means the element has no box to click or capture.
	ErrNoGeometry = errors.New("element has no content quads")
)

// tab is one page target the session has attached to. The first tab shares
// browserCtx and has no cancel of its own.
type tab struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is one Chrome process driven over CDP for a single agent run. It
// implements schemas.BrowserSession and humanoid.Executor.
type Session struct {
	id        string
	logger    *zap.Logger
	cfg       config.BrowserConfig
	persona   schemas.Persona
	humanizer humanoid.Humanizer

	// Process and browser level contexts. Cancelling them kills Chrome.
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// mu guards the tab list, the active tab and the closed flag.
	mu     sync.RWMutex
	active context.Context
	tabs   []tab
	closed bool

	closeOnce sync.Once
	// onClose lets the manager forget the session once it is closed.
	onClose func()
}

var (
	_ schemas.BrowserSession = (*Session)(nil)
	_ humanoid.Executor      = (*Session)(nil)
)

// newSession launches Chrome, applies the stealth persona to the first tab
// and parks it on about:blank.
func newSession(ctx context.Context, id string, cfg config.BrowserConfig, h humanoid.Humanizer, logger *zap.Logger) (*Session, error) {
	// 1. Build the persona the stealth layer will present.
	persona := PersonaFromConfig(cfg)
	s := &Session{
		id:        id,
		logger:    logger.Named("session").With(zap.String("session_id", id)),
		cfg:       cfg,
		persona:   persona,
		humanizer: h,
	}

	// 2. Create the allocator and browser contexts. Nothing is launched yet.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg, persona)...)
	ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(s.logger.Sugar().Debugf)}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(s.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)
	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel

	// The first Run allocates the browser and must use browserCtx itself.
	launched := make(chan error, 1)
	go func() {
		launched <- chromedp.Run(browserCtx,
			stealth.Apply(persona, s.logger),
			chromedp.Navigate("about:blank"),
		)
	}()

	// 3. Wait for the launch, but give up if the caller does.
	select {
	case err := <-launched:
		if err != nil {
			s.shutdown()
			return nil, fmt.Errorf("browser failed to start or respond: %w", err)
		}
	case <-ctx.Done():
		s.shutdown()
		return nil, fmt.Errorf("browser launch aborted: %w", ctx.Err())
	}

	// 4. Register the first tab as active.
	// It shares browserCtx, so it has no cancel of its own.
	first := tab{ctx: browserCtx}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		first.id = c.Target.TargetID
	}
	s.tabs = []tab{first}
	s.active = browserCtx

	s.logger.Info("Browser session started.")
	return s, nil
}

// ID returns the run id the session belongs to.
func (s *Session) ID() string { return s.id }

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		// Flag first so concurrent calls fail fast with ErrSessionClosed.
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// Chrome can hang on exit; do not block past the caller's deadline.
		done := make(chan struct{})
		go func() {
			s.shutdown()
			close(done)
		}()
		select {
		case <-done:
			s.logger.Info("Browser session closed.")
		case <-ctx.Done():
			s.logger.Warn("Browser did not exit before the close deadline.", zap.Error(ctx.Err()))
		}
		// Release the manager's hold even if Chrome is still exiting.
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// shutdown cancels tab contexts first, then the browser and the allocator.
func (s *Session) shutdown() {
	// Copy under the lock; cancelling can take a while.
	s.mu.RLock()
	tabs := append([]tab(nil), s.tabs...)
	s.mu.RUnlock()
	for _, t := range tabs {
		if t.cancel != nil {
			t.cancel()
		}
	}
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// run executes actions against the active tab, bounded by ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.RLock()
	active, closed := s.active, s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	// The tab context carries the CDP target, ctx carries the deadline.
	runCtx, cancel := CombineContext(active, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		// Report the caller's cancellation rather than the CDP error it caused.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// -- Page --

// Navigate starts loading url and waits for the DOM to be parsed, up to the
// configured navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.navigationTimeout())
	defer cancel()

	err := s.run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		// DNS and connection failures come back as errorText, not err.
		if errorText != "" {
			return fmt.Errorf("navigation to %s failed: %s", url, errorText)
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	// A slow page is still usable once parsing stalls; only caller
	// cancellation is an error here.
	if err := s.waitReady(navCtx, "interactive"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Page did not finish parsing before the navigation timeout.", zap.String("url", url))
	}
	return nil
}

// navigationTimeout falls back to 60s when unset.
func (s *Session) navigationTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 60 * time.Second
}

// Settle waits up to d for document.readyState to become "complete". Running
// out of time is not an error.
func (s *Session) Settle(ctx context.Context, d time.Duration) error {
	settleCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := s.waitReady(settleCtx, "complete"); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// waitReady polls document.readyState until it reaches want ("interactive"
// also accepts "complete").
func (s *Session) waitReady(ctx context.Context, want string) error {
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()
	for {
		var state string
		// Evaluate fails while a navigation swaps the document; keep polling.
		if err := s.Evaluate(ctx, "document.readyState", &state); err == nil {
			if state == want || state == "complete" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CurrentURL returns the URL of the active tab.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("current url: %w", err)
	}
	return url, nil
}

// Screenshot captures the visible viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Content returns the serialized DOM of the main frame.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.Evaluate(ctx, "document.documentElement ? document.documentElement.outerHTML : ''", &html); err != nil {
		return "", fmt.Errorf("content: %w", err)
	}
	return html, nil
}

// awaitPromise lets scripts return promises, which the page scans rely on.
func awaitPromise(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// Evaluate runs script in the main world of the main frame.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.run(ctx, chromedp.Evaluate(script, res, awaitPromise))
}

// EvaluateInFrame runs script in an isolated world of the given frame. An
// empty frameID means the main frame's main world.
func (s *Session) EvaluateInFrame(ctx context.Context, frameID, script string, res interface{}) error {
	if frameID == "" {
		return s.Evaluate(ctx, script, res)
	}
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// 1. Cross-origin frames (CAPTCHA widgets) are only reachable
		// through an isolated world created inside them.
		worldID, err := page.CreateIsolatedWorld(cdp.FrameID(frameID)).
			WithWorldName(isolatedWorldName).
			WithGrantUniveralAccess(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("frame %s: %w", frameID, err)
		}
		// 2. Evaluate there and copy the result out by value.
		obj, exc, err := cdpruntime.Evaluate(script).
			WithContextID(worldID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return decodeRemote(obj, res)
	}))
}

// decodeRemote unmarshals a by-value result. A nil res discards it.
func decodeRemote(obj *cdpruntime.RemoteObject, res interface{}) error {
	if res == nil || obj == nil || len(obj.Value) == 0 {
		return nil
	}
	return json.Unmarshal(obj.Value, res)
}

// Frames lists every frame of the active tab, main frame first.
func (s *Session) Frames(ctx context.Context) ([]schemas.FrameInfo, error) {
	var frames []schemas.FrameInfo
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// Cross-origin frames are included; their ids work with EvaluateInFrame.
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		frames = flattenFrameTree(tree, frames)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("frames: %w", err)
	}
	return frames, nil
}

// flattenFrameTree walks the tree depth first so parents precede children.
func flattenFrameTree(tree *page.FrameTree, out []schemas.FrameInfo) []schemas.FrameInfo {
	if tree == nil || tree.Frame == nil {
		return out
	}
	out = append(out, schemas.FrameInfo{
		ID:   string(tree.Frame.ID),
		URL:  tree.Frame.URL,
		Name: tree.Frame.Name,
	})
	for _, child := range tree.ChildFrames {
		out = flattenFrameTree(child, out)
	}
	return out
}

// locateExpression wraps the embedded locator around a JSON encoded query.
func locateExpression(q schemas.Query) (string, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", locateScript, payload), nil
}

// describeElement summarizes a located element for the handle.
const describeElement = `function() {
	const text = (this.innerText || this.value || this.getAttribute('aria-label') || '').trim();
	return {
		tag: this.tagName.toLowerCase(),
		type: (this.getAttribute('type') || '').toLowerCase(),
		text: text.slice(0, 200),
	};
}`

// Locate returns the first element matching q, or nil when nothing does.
func (s *Session) Locate(ctx context.Context, q schemas.Query) (*schemas.ElementHandle, error) {
	expr, err := locateExpression(q)
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}

	var handle *schemas.ElementHandle
	err = s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// 1. Run the locator, inside the target frame when one is named.
		eval := cdpruntime.Evaluate(expr)
		if q.FrameID != "" {
			// An isolated world sees the frame's DOM but none of its scripts.
			worldID, err := page.CreateIsolatedWorld(cdp.FrameID(q.FrameID)).
				WithWorldName(isolatedWorldName).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("frame %s: %w", q.FrameID, err)
			}
			eval = eval.WithContextID(worldID)
		}
		obj, exc, err := eval.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		// No object id means the locator returned null: nothing matched.
		if obj == nil || obj.ObjectID == "" {
			return nil
		}

		// 2. Describe the element so callers can reason about it without
		// another round trip.
		desc, exc, err := cdpruntime.CallFunctionOn(describeElement).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		var info struct {
			Tag  string `json:"tag"`
			Type string `json:"type"`
			Text string `json:"text"`
		}
		// A failed describe is an error; the handle would be half empty.
		if err := decodeRemote(desc, &info); err != nil {
			return err
		}
		// 3. The remote object id stays valid until the document changes.
		handle = &schemas.ElementHandle{
			ObjectID:  string(obj.ObjectID),
			FrameID:   q.FrameID,
			Tag:       info.Tag,
			InputType: info.Type,
			Text:      info.Text,
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	return handle, nil
}

// callOn invokes fn with the element as this and decodes the result.
func (s *Session) callOn(ctx context.Context, el *schemas.ElementHandle, fn string, res interface{}, args ...interface{}) error {
	// Arguments travel as JSON values.
	var callArgs []*cdpruntime.CallArgument
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		callArgs = append(callArgs, &cdpruntime.CallArgument{Value: raw})
	}
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		call := cdpruntime.CallFunctionOn(fn).
			WithObjectID(cdpruntime.RemoteObjectID(el.ObjectID)).
			WithReturnByValue(true).
			WithAwaitPromise(true)
		if len(callArgs) > 0 {
			call = call.WithArguments(callArgs)
		}
		obj, exc, err := call.Do(ctx)
		if err != nil {
			return err
		}
		// A thrown JS exception is an error too.
		if exc != nil {
			return exc
		}
		return decodeRemote(obj, res)
	}))
}

// actionableCheck returns ok, detached, hidden, disabled or covered.
// Off-screen elements count as ok since clicking scrolls them in.
const actionableCheck = `function() {
	if (!this.isConnected) return 'detached';
	const rect = this.getBoundingClientRect();
	if (rect.width <= 0 || rect.height <= 0) return 'hidden';
	const style = window.getComputedStyle(this);
	if (style.visibility === 'hidden' || style.display === 'none') return 'hidden';
	if (this.disabled) return 'disabled';
	const x = rect.left + rect.width / 2, y = rect.top + rect.height / 2;
	if (x < 0 || y < 0 || x > window.innerWidth || y > window.innerHeight) return 'ok';
	const hit = this.ownerDocument.elementFromPoint(x, y);
	if (!hit || hit === this || this.contains(hit) || hit.contains(this)) return 'ok';
	return 'covered';
}`

// waitActionable polls until the element is visible, enabled and on top.
func (s *Session) waitActionable(ctx context.Context, el *schemas.ElementHandle) error {
	var last string
	for {
		if err := s.callOn(ctx, el, actionableCheck, &last); err != nil {
			return err
		}
		if last == "ok" {
			return nil
		}
		// A detached node will never come back.
		if last == "detached" {
			return fmt.Errorf("%w: detached", ErrNotActionable)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrNotActionable, last)
		case <-time.After(actionabilityPoll):
		}
	}
}

// elementCenter scrolls the element into view and returns the middle of its
// first content quad in viewport coordinates.
func (s *Session) elementCenter(ctx context.Context, el *schemas.ElementHandle) (humanoid.Vector2D, error) {
	var center humanoid.Vector2D
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// Quads are only meaningful once the element is in the viewport.
		objectID := cdpruntime.RemoteObjectID(el.ObjectID)
		if err := dom.ScrollIntoViewIfNeeded().WithObjectID(objectID).Do(ctx); err != nil {
			return err
		}
		quads, err := dom.GetContentQuads().WithObjectID(objectID).Do(ctx)
		if err != nil {
			return err
		}
		// Wrapped inline elements have one quad per line; take the first
		// one with a usable center.
		for _, q := range quads {
			if c, ok := humanoid.QuadCenter(q); ok {
				center = c
				return nil
			}
		}
		return ErrNoGeometry
	}))
	return center, err
}

// Click hovers the element, pauses briefly and clicks it. Unless opts.Force is
// set the element must first become actionable within opts.Timeout. Forced
// clicks fall back to a DOM click when the element has no geometry.
func (s *Session) Click(ctx context.Context, el *schemas.ElementHandle, opts schemas.ClickOptions) error {
	if el == nil {
		return errors.New("click: nil element")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClickTimeout
	}
	// The timeout covers the wait, the move and the click together.
	clickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 1. Wait for the element to be clickable, unless forced.
	if !opts.Force {
		if err := s.waitActionable(clickCtx, el); err != nil {
			return fmt.Errorf("click: %w", err)
		}
	}

	// 2. Find where to click.
	center, err := s.elementCenter(clickCtx, el)
	if err != nil {
		if opts.Force {
			s.logger.Debug("No geometry for forced click, using DOM click.", zap.Error(err))
			return s.callOn(clickCtx, el, `function() { this.click(); }`, nil)
		}
		return fmt.Errorf("click: %w", err)
	}
	// 3. Move there, hesitate, click. The humanizer decides how human it looks.
	if err := s.humanizer.MoveTo(clickCtx, s, center); err != nil {
		return fmt.Errorf("click: hover: %w", err)
	}
	if err := s.humanizer.Pause(clickCtx, s, hoverPauseMin, hoverPauseMax); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	if err := s.humanizer.Click(clickCtx, s, center); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

// prepareFill focuses the field and clears it through the native value
// setter so framework bindings (React, Vue) see the change.
const prepareFill = `function() {
	this.focus();
	if (this.isContentEditable) {
		const range = document.createRange();
		range.selectNodeContents(this);
		const sel = window.getSelection();
		sel.removeAllRanges();
		sel.addRange(range);
		return true;
	}
	if (typeof this.select === 'function') this.select();
	const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
	setter.call(this, '');
	this.dispatchEvent(new Event('input', { bubbles: true }));
	return true;
}`

// Fill replaces the value of a text field or contenteditable element with
// text, firing the same input events a paste would.
func (s *Session) Fill(ctx context.Context, el *schemas.ElementHandle, text string) error {
	if el == nil {
		return errors.New("fill: nil element")
	}
	// 1. Focus and clear.
	if err := s.callOn(ctx, el, prepareFill, nil); err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	// Clearing was the whole job.
	if text == "" {
		return nil
	}
	// InsertText behaves like an IME commit: one input event, no keystrokes.
	if err := s.run(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	// 2. Some forms only validate on change.
	return s.callOn(ctx, el, `function() { this.dispatchEvent(new Event('change', { bubbles: true })); }`, nil)
}

// PressKey sends a single key to the focused element.
func (s *Session) PressKey(ctx context.Context, key schemas.Key) error {
	var keys string
	switch key {
	case schemas.KeyEnter:
		keys = kb.Enter
	case schemas.KeyEscape:
		keys = kb.Escape
	default:
		// Anything else is sent as literal characters.
		keys = string(key)
	}
	if err := s.run(ctx, chromedp.KeyEvent(keys)); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

// ElementScreenshot captures the element's bounding box as PNG.
func (s *Session) ElementScreenshot(ctx context.Context, el *schemas.ElementHandle) ([]byte, error) {
	if el == nil {
		return nil, errors.New("element screenshot: nil element")
	}
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		objectID := cdpruntime.RemoteObjectID(el.ObjectID)
		if err := dom.ScrollIntoViewIfNeeded().WithObjectID(objectID).Do(ctx); err != nil {
			return err
		}
		quads, err := dom.GetContentQuads().WithObjectID(objectID).Do(ctx)
		if err != nil {
			return err
		}
		if len(quads) == 0 {
			return ErrNoGeometry
		}
		// The first quad is enough for the boxy widgets this is used on.
		clip, ok := quadBounds(quads[0])
		if !ok {
			return ErrNoGeometry
		}
		// Quads are viewport relative; the clip is document relative.
		_, _, _, _, visual, _, err := page.GetLayoutMetrics().Do(ctx)
		if err == nil && visual != nil {
			clip.X += visual.PageX
			clip.Y += visual.PageY
		}
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(clip).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("element screenshot: %w", err)
	}
	return buf, nil
}

// quadBounds returns the axis-aligned box around a quad.
func quadBounds(q dom.Quad) (*page.Viewport, bool) {
	// A quad is four x,y pairs.
	if len(q) < 8 {
		return nil, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	// Degenerate boxes cannot be captured.
	if maxX-minX <= 0 || maxY-minY <= 0 {
		return nil, false
	}
	return &page.Viewport{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY, Scale: 1}, true
}

// SwitchToLatestTab attaches to the most recently opened page target and
// makes it the active tab. A no-op when no new tab exists.
func (s *Session) SwitchToLatestTab(ctx context.Context) error {
	// Listing targets must happen without the lock held.
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}

	// 1. Ask the browser for every target it knows about.
	infos, err := chromedp.Targets(s.browserCtx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Only page targets count; workers and iframes are skipped.
	open := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			open[info.TargetID] = true
		}
	}
	// 2. Attach to page targets we have not seen yet.
	known := make(map[target.ID]bool, len(s.tabs))
	for _, t := range s.tabs {
		known[t.id] = true
	}
	for _, info := range infos {
		if info.Type != "page" || known[info.TargetID] {
			continue
		}
		tabCtx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(info.TargetID))
		s.tabs = append(s.tabs, tab{id: info.TargetID, ctx: tabCtx, cancel: cancel})
	}

	// 3. Activate the newest tab that is still open. Closed tabs are skipped
	// so a popup that closed itself hands control back to its opener.
	for i := len(s.tabs) - 1; i >= 0; i-- {
		t := s.tabs[i]
		if !open[t.id] {
			continue
		}
		if t.ctx == s.active {
			return nil
		}
		// New tabs do not inherit the overrides; apply the persona again.
		runCtx, cancel := CombineContext(t.ctx, ctx)
		err := chromedp.Run(runCtx, stealth.Apply(s.persona, s.logger), page.BringToFront())
		cancel()
		if err != nil {
			return fmt.Errorf("attach to tab %s: %w", t.id, err)
		}
		s.active = t.ctx
		s.logger.Info("Switched to newest tab.", zap.String("target_id", string(t.id)))
		return nil
	}
	return nil
}

// -- humanoid.Executor --

// Sleep pauses for d unless ctx ends first.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DispatchMouseEvent sends one raw mouse event to the active tab.
func (s *Session) DispatchMouseEvent(ctx context.Context, data humanoid.MouseEventData) error {
	p := input.DispatchMouseEvent(input.MouseType(data.Type), data.X, data.Y)
	// Moves carry no button.
	if data.Button != "" {
		p = p.WithButton(input.MouseButton(data.Button))
	}
	p = p.WithButtons(data.Buttons)
	if data.ClickCount > 0 {
		p = p.WithClickCount(int64(data.ClickCount))
	}

	// A wedged renderer can swallow input events; bound each one.
	opCtx, cancel := context.WithTimeout(ctx, mouseEventTimeout)
	defer cancel()
	err := s.run(opCtx, p)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		s.logger.Debug("Mouse event timed out.", zap.Duration("timeout", mouseEventTimeout))
		return fmt.Errorf("dispatch mouse event timed out after %v: %w", mouseEventTimeout, opCtx.Err())
	}
	return err
}
