// internal/captcha/resolver.go
package captcha

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

//go:embed inject.js
var injectScript string

//go:embed submit.js
var submitScript string

const (
	defaultChallengeWait = 4 * time.Second
	checkboxHoverPause   = 500 * time.Millisecond
	checkboxClickTimeout = 3 * time.Second
	submitTimeout        = 3 * time.Second
	injectSettle         = 3 * time.Second
	navigationSettle     = 10 * time.Second
	// maxTokenAttempts bounds paid solves per widget kind within one run.
	maxTokenAttempts = 2
)

// Method names how a challenge was cleared.
type Method string

const (
	MethodCheckbox Method = "checkbox"
	MethodGrid     Method = "grid"
	MethodToken    Method = "token"
)

var (
	// Checkbox selectors per provider, tried inside the widget frame.
	recaptchaCheckboxSelectors = []string{
		".recaptcha-checkbox-border",
		"#recaptcha-anchor",
		".rc-anchor-center-item",
		"div.recaptcha-checkbox-checkmark",
		".recaptcha-checkbox",
	}
	hcaptchaCheckboxSelectors  = []string{"#checkbox", "div[role='checkbox']"}
	turnstileCheckboxSelectors = []string{"input[type='checkbox']", "label", ".ctp-checkbox-label"}

	// submitQueries are the fallback when no form owns the response field.
	submitQueries = []schemas.Query{
		{Selector: "button[type='submit']"},
		{Selector: "input[type='submit']"},
		{Role: "button", Name: "Submit"},
		{Role: "button", Name: "Continue"},
		{Role: "button", Name: "Verify"},
		{Role: "button", Name: "Search"},
		{Selector: "form button"},
	}
)

// Resolution is the outcome of one Resolve call.
type Resolution struct {
	Kind     Kind
	Detected bool
	Solved   bool
	Method   Method
	// Stop means the widget cannot be cleared and the run should not go on
	// on this page.
	Stop   bool
	Reason string
}

// Resolver clears CAPTCHA widgets cheapest-first: a humanized checkbox click,
// then the vision grid solver, then a token from the solving service. A
// Resolver belongs to one run.
type Resolver struct {
	cfg     config.CaptchaConfig
	solver  Solver
	grid    *GridSolver
	logger  *zap.Logger
	metrics *observability.Metrics
	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error

	// tokenAttempts counts paid solves per widget kind for this run.
	tokenAttempts map[Kind]int
}

// NewResolver builds a resolver. solver and grid may be nil when the paid
// service or the vision fallback are unavailable.
func NewResolver(cfg config.CaptchaConfig, solver Solver, grid *GridSolver, logger *zap.Logger, metrics *observability.Metrics) *Resolver {
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = defaultChallengeWait
	}
	return &Resolver{
		cfg:           cfg,
		solver:        solver,
		grid:          grid,
		logger:        logger.Named("captcha"),
		metrics:       metrics,
		sleep:         sleepCtx,
		tokenAttempts: make(map[Kind]int),
	}
}

// Resolve detects and, when possible, clears a CAPTCHA on the page. Failures
// to inspect the page are logged and reported as nothing detected.
func (r *Resolver) Resolve(ctx context.Context, page schemas.Page) Resolution {
	// A page that cannot be inspected is treated as clear.
	ch, err := Detect(ctx, page)
	if err != nil {
		r.logger.Warn("CAPTCHA detection failed.", zap.Error(err))
		return Resolution{Kind: KindNone}
	}
	if !ch.Present() {
		return Resolution{Kind: KindNone}
	}

	r.logger.Info("CAPTCHA detected.",
		zap.String("kind", string(ch.Kind)),
		zap.Bool("grid", ch.GridVisible),
		zap.Bool("has_sitekey", ch.SiteKey != ""),
	)
	res := r.resolve(ctx, page, ch)
	res.Kind, res.Detected = ch.Kind, true

	// The metric label records how it ended and, when solved, how.
	outcome := "unsolved"
	switch {
	case res.Solved:
		outcome = "solved_" + string(res.Method)
	case res.Stop:
		outcome = "stopped"
	}
	r.metrics.ObserveCaptcha(string(ch.Kind), outcome)
	r.logger.Info("CAPTCHA resolution finished.",
		zap.String("kind", string(ch.Kind)),
		zap.String("outcome", outcome),
		zap.String("reason", res.Reason),
	)
	return res
}

// resolve walks the remediation ladder for a detected challenge.
func (r *Resolver) resolve(ctx context.Context, page schemas.Page, ch Challenge) Resolution {
	// 1. A checkbox click is free. Skip it when a grid is already open.
	if !ch.GridVisible {
		if solved, next := r.tryCheckbox(ctx, page, ch); solved {
			return Resolution{Solved: true, Method: MethodCheckbox}
		} else if next.Present() {
			ch = next
		}
	}

	// 2. The click may have opened an image grid; try the vision solver.
	if ch.Kind == KindRecaptcha && ch.GridVisible && r.grid != nil && r.cfg.VisionGrid {
		solved, err := r.grid.Solve(ctx, page, ch)
		if err != nil {
			r.logger.Warn("Vision grid solving failed.", zap.Error(err))
		}
		if solved {
			return Resolution{Solved: true, Method: MethodGrid}
		}
	}

	// 3. Pay for a token.
	return r.solveWithService(ctx, page, ch)
}

// tryCheckbox clicks the widget's checkbox and waits for the provider to
// accept it. It returns the re-detected challenge when the click did not
// settle things.
func (r *Resolver) tryCheckbox(ctx context.Context, page schemas.Page, ch Challenge) (bool, Challenge) {
	if err := r.clickCheckbox(ctx, page, ch); err != nil {
		r.logger.Debug("Checkbox click not possible.", zap.String("kind", string(ch.Kind)), zap.Error(err))
		return false, Challenge{}
	}
	if err := r.sleep(ctx, r.cfg.ChallengeWait); err != nil {
		return false, Challenge{}
	}

	checked, err := checkboxChecked(ctx, page, ch)
	if err != nil {
		r.logger.Debug("Could not read checkbox state.", zap.Error(err))
	}
	// A checked box only counts if no image challenge followed it.
	next, err := Detect(ctx, page)
	if err != nil {
		return false, Challenge{}
	}
	if !next.Present() || (checked && !next.GridVisible) {
		r.logger.Info("CAPTCHA cleared by checkbox click.", zap.String("kind", string(ch.Kind)))
		return true, next
	}
	return false, next
}

// clickCheckbox clicks the provider's checkbox inside its widget frame.
func (r *Resolver) clickCheckbox(ctx context.Context, page schemas.Page, ch Challenge) error {
	var selectors []string
	switch ch.Kind {
	case KindRecaptcha:
		selectors = recaptchaCheckboxSelectors
	case KindHCaptcha:
		selectors = hcaptchaCheckboxSelectors
	case KindTurnstile:
		selectors = turnstileCheckboxSelectors
	}

	if ch.WidgetFrameID != "" {
		for _, sel := range selectors {
			el, err := page.Locate(ctx, schemas.Query{Selector: sel, FrameID: ch.WidgetFrameID})
			if err != nil || el == nil {
				continue
			}
			// A short hesitation before clicking, as a person would.
			if err := r.sleep(ctx, checkboxHoverPause); err != nil {
				return err
			}
			return page.Click(ctx, el, schemas.ClickOptions{Timeout: checkboxClickTimeout, Force: true})
		}
	}

	// Turnstile keeps its checkbox behind a closed shadow root, so the frame
	// itself is the click target.
	if ch.Kind == KindTurnstile {
		el, err := page.Locate(ctx, schemas.Query{Selector: "iframe[src*='challenges.cloudflare.com'], iframe[src*='turnstile']"})
		if err != nil {
			return err
		}
		if el != nil {
			return page.Click(ctx, el, schemas.ClickOptions{Timeout: checkboxClickTimeout, Force: true})
		}
	}
	return fmt.Errorf("no %s checkbox found", ch.Kind)
}

// solveWithService buys a token, injects it and checks whether the page
// accepted it.
func (r *Resolver) solveWithService(ctx context.Context, page schemas.Page, ch Challenge) Resolution {
	// 1. Bail out when paying is impossible or has already failed twice.
	if r.solver == nil {
		return Resolution{
			Stop:   true,
			Reason: fmt.Sprintf("CAPTCHA (%s) detected and no solving service is configured", ch.Kind),
		}
	}
	if r.tokenAttempts[ch.Kind] >= maxTokenAttempts {
		return Resolution{
			Stop:   true,
			Reason: fmt.Sprintf("CAPTCHA (%s) still present after %d solved tokens", ch.Kind, maxTokenAttempts),
		}
	}

	// 2. Collect what the service needs: site key and page URL.
	key := r.siteKey(ctx, page, ch)
	if key == "" {
		// Without a key the service cannot help; the widget may not be gating
		// anything, so the run continues.
		return Resolution{Reason: "CAPTCHA site key not found"}
	}
	pageURL, err := page.CurrentURL(ctx)
	if err != nil {
		return Resolution{Stop: true, Reason: fmt.Sprintf("CAPTCHA page URL unavailable: %v", err)}
	}

	// 3. Solve. The attempt counts even when the service fails.
	r.tokenAttempts[ch.Kind]++
	token, err := r.solver.Solve(ctx, Task{Kind: ch.Kind, WebsiteURL: pageURL, WebsiteKey: key})
	if err != nil {
		return Resolution{Stop: true, Reason: fmt.Sprintf("CapSolver failed: %v", err)}
	}

	// 4. Write the token into the response fields and fire any callbacks
	// the site registered with the widget.
	var injected struct {
		Fields    int `json:"fields"`
		Callbacks int `json:"callbacks"`
	}
	expr, err := injectExpression(ch.Kind, token)
	if err == nil {
		err = page.Evaluate(ctx, expr, &injected)
	}
	if err != nil {
		return Resolution{Stop: true, Reason: fmt.Sprintf("CAPTCHA token injection failed: %v", err)}
	}
	r.logger.Info("CAPTCHA token injected.",
		zap.String("kind", string(ch.Kind)),
		zap.Int("fields", injected.Fields),
		zap.Int("callbacks", injected.Callbacks),
	)
	if err := r.sleep(ctx, injectSettle); err != nil {
		return Resolution{Stop: true, Reason: err.Error()}
	}

	// 5. Without a callback nothing consumes the token until the form is
	// submitted. Turnstile forms are left for the model to submit.
	if ch.Kind != KindTurnstile && injected.Callbacks == 0 {
		r.submit(ctx, page, ch.Kind)
	}

	// 6. A vanished or different widget means the token was accepted.
	next, err := Detect(ctx, page)
	if err != nil || !next.Present() || next.Kind != ch.Kind {
		return Resolution{Solved: true, Method: MethodToken}
	}
	if ch.Kind == KindTurnstile || injected.Callbacks > 0 {
		// The widget stays on screen once the page accepted the token.
		return Resolution{Solved: true, Method: MethodToken}
	}
	return Resolution{Reason: fmt.Sprintf("CAPTCHA (%s) still present after token injection", ch.Kind)}
}

// siteKey prefers the key found during detection and falls back to scanning
// the page HTML.
func (r *Resolver) siteKey(ctx context.Context, page schemas.Page, ch Challenge) string {
	if ch.SiteKey != "" {
		return ch.SiteKey
	}
	doc, err := page.Content(ctx)
	if err != nil {
		r.logger.Debug("Could not read page content for site key.", zap.Error(err))
		return ""
	}
	return SitekeyFromHTML(doc, ch.Kind)
}

// submit posts the form that owns the response field, falling back to the
// first visible submit-like control.
func (r *Resolver) submit(ctx context.Context, page schemas.Page, kind Kind) {
	// 1. Submit the form holding the response field.
	var submitted bool
	expr := fmt.Sprintf("(%s)(%q)", submitScript, kind.responseField())
	if err := page.Evaluate(ctx, expr, &submitted); err != nil {
		r.logger.Debug("Form submit script failed.", zap.Error(err))
	}
	// 2. Otherwise click the first submit-like control.
	if !submitted {
		for _, q := range submitQueries {
			el, err := page.Locate(ctx, q)
			if err != nil || el == nil {
				continue
			}
			if err := page.Click(ctx, el, schemas.ClickOptions{Timeout: submitTimeout, Force: true}); err == nil {
				submitted = true
				break
			}
		}
	}
	// Nothing to wait for when nothing was submitted.
	if !submitted {
		return
	}
	if err := page.Settle(ctx, navigationSettle); err != nil {
		r.logger.Debug("Page did not settle after CAPTCHA submit.", zap.Error(err))
	}
	_ = r.sleep(ctx, injectSettle)
}

// injectExpression calls the embedded inject script with a JSON argument, so
// the token never needs escaping by hand.
func injectExpression(kind Kind, token string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"kind":  string(kind),
		"token": token,
		"field": kind.responseField(),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", injectScript, payload), nil
}

// Checkbox state checks, evaluated inside the widget frame where needed.
const (
	anchorCheckedScript   = `(() => { const el = document.querySelector('#recaptcha-anchor'); return !!el && el.getAttribute('aria-checked') === 'true'; })()`
	hcaptchaCheckedScript = `(() => { const el = document.querySelector('#checkbox'); return !!el && el.getAttribute('aria-checked') === 'true'; })()`
	turnstileFilledScript = `(() => { const el = document.querySelector('input[name*="cf-turnstile-response"]'); return !!el && el.value.length > 0; })()`
)

// checkboxChecked reports whether the provider marked the widget as passed.
func checkboxChecked(ctx context.Context, page schemas.Page, ch Challenge) (bool, error) {
	var checked bool
	var err error
	switch ch.Kind {
	case KindRecaptcha:
		// Without the frame there is nothing to inspect.
		if ch.WidgetFrameID == "" {
			return false, nil
		}
		err = page.EvaluateInFrame(ctx, ch.WidgetFrameID, anchorCheckedScript, &checked)
	case KindHCaptcha:
		if ch.WidgetFrameID == "" {
			return false, nil
		}
		err = page.EvaluateInFrame(ctx, ch.WidgetFrameID, hcaptchaCheckedScript, &checked)
	case KindTurnstile:
		// Turnstile writes its token into the host page.
		err = page.Evaluate(ctx, turnstileFilledScript, &checked)
	}
	return checked, err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
