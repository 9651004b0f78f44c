// internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// postClickPause gives the page time to react before the next screenshot.
const postClickPause = 2 * time.Second

// ExecutionResult reports how an action went. Failures are data, not errors:
// the loop only needs to know whether to count one against the budget.
type ExecutionResult struct {
	OK   bool
	Code ErrorCode
	Err  error
	// Matcher names the strategy that resolved the target element.
	Matcher string
}

func failed(code ErrorCode, err error) ExecutionResult {
	return ExecutionResult{Code: code, Err: err}
}

// matcher is one declarative way of finding an element.
type matcher struct {
	name  string
	query schemas.Query
}

// clickMatchers lists the strategies for a click label, most specific first.
func clickMatchers(label string) []matcher {
	return []matcher{
		{"link_exact", schemas.Query{Role: "link", Name: label, Exact: true}},
		{"button_exact", schemas.Query{Role: "button", Name: label, Exact: true}},
		{"form_control", schemas.Query{Selector: "input, textarea, button", Text: label}},
		{"link_contains", schemas.Query{Role: "link", Name: label}},
		{"button_contains", schemas.Query{Role: "button", Name: label}},
		{"text_contains", schemas.Query{Text: label}},
	}
}

// textClass is the kind of value being typed.
type textClass int

const (
	classPlain textClass = iota
	classEmail
	classPassword
)

func (c textClass) String() string {
	switch c {
	case classEmail:
		return "email"
	case classPassword:
		return "password"
	}
	return "plain"
}

// classifyText guesses whether text is an email, a password or plain input.
func classifyText(text, reason string) textClass {
	// 1. Addresses have an @, a dot and no whitespace.
	hasSpace := strings.ContainsAny(text, " \t\n")
	if strings.Contains(text, "@") && strings.Contains(text, ".") && !hasSpace {
		return classEmail
	}
	// 2. Passwords look like a single symbol-bearing token, or the model said so.
	hasSymbol := strings.IndexFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
	}) >= 0
	if (hasSymbol && len(text) >= 6 && !hasSpace) || strings.Contains(strings.ToLower(reason), "password") {
		return classPassword
	}
	return classPlain
}

// typeMatchers lists the strategies for a type action.
func typeMatchers(label string, class textClass) []matcher {
	var ms []matcher
	// A visible label beats any guess from the value.
	if label != "" {
		ms = append(ms, matcher{"labelled_textbox", schemas.Query{Role: "textbox", Name: label}})
	}
	switch class {
	case classPassword:
		ms = append(ms, matcher{"password_input", schemas.Query{Selector: "input[type='password']"}})
	case classEmail:
		ms = append(ms,
			matcher{"email_input", schemas.Query{Selector: "input[type='email']"}},
			matcher{"email_named", schemas.Query{Selector: "input[name*='email' i], input[placeholder*='email' i]"}},
			matcher{"username_autocomplete", schemas.Query{Selector: "input[autocomplete='username']"}},
			matcher{"user_named", schemas.Query{Selector: "input[name*='user' i]"}},
		)
	default:
		ms = append(ms,
			matcher{"search_input", schemas.Query{Selector: "input[type='search']"}},
			matcher{"query_named", schemas.Query{Selector: "input[name='q'], textarea[name='q']"}},
			matcher{"search_named", schemas.Query{Selector: "input[name*='search' i], input[placeholder*='search' i], input[aria-label*='search' i]"}},
		)
	}
	// Generic fallbacks come last.
	return append(ms,
		matcher{"first_empty_input", schemas.Query{Selector: "input[type='text'], input[type='search'], input:not([type])", EmptyOnly: true}},
		matcher{"any_input", schemas.Query{Selector: "input:not([type='hidden']):not([type='checkbox']):not([type='radio']), textarea, [contenteditable='true']"}},
	)
}

// submitControlNames are buttons that submit a form on their own; when one is
// present the model is expected to click it instead of pressing Enter.
var submitControlNames = []string{"Continue", "Next", "Submit", "Sign in", "Log in"}

// Executor performs click and type actions on a page.
type Executor struct {
	page   schemas.Page
	cfg    config.AgentConfig
	logger *zap.Logger
	// sleep is replaced in tests.
	sleep func(context.Context, time.Duration) error
	// initialInterval is the first backoff delay between click attempts.
	initialInterval time.Duration
}

// NewExecutor creates an executor bound to one page.
func NewExecutor(page schemas.Page, cfg config.AgentConfig, logger *zap.Logger) *Executor {
	return &Executor{
		page:            page,
		cfg:             cfg,
		logger:          logger.Named("executor"),
		sleep:           sleepCtx,
		initialInterval: 300 * time.Millisecond,
	}
}

// Execute dispatches an action. Done is not executable and is rejected.
func (e *Executor) Execute(ctx context.Context, a Action) ExecutionResult {
	switch act := a.(type) {
	case Click:
		return e.click(ctx, act)
	case Type:
		return e.typeText(ctx, act)
	case Done:
		return failed(ErrCodeInvalidParameters, errors.New("done is not an executable action"))
	default:
		return failed(ErrCodeUnknownAction, fmt.Errorf("unknown action %T", a))
	}
}

// click walks the matchers until one yields an element that accepts a click.
func (e *Executor) click(ctx context.Context, act Click) ExecutionResult {
	if strings.TrimSpace(act.Label) == "" {
		return failed(ErrCodeInvalidParameters, errors.New("click requires a label"))
	}

	var lastErr error
	for _, m := range clickMatchers(act.Label) {
		// 1. Find the element.
		el, err := e.page.Locate(ctx, m.query)
		if err != nil {
			if ctx.Err() != nil {
				return failed(ErrCodeTimeoutError, ctx.Err())
			}
			e.logger.Debug("Matcher lookup failed.", zap.String("matcher", m.name), zap.Error(err))
			lastErr = err
			continue
		}
		if el == nil {
			continue
		}

		// 2. Click it, retrying transient failures.
		if err := e.clickWithRetry(ctx, el); err != nil {
			e.logger.Debug("Click failed on matched element.", zap.String("matcher", m.name), zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				return failed(ErrCodeTimeoutError, ctx.Err())
			}
			continue
		}

		// 3. Links with target=_blank open a tab; follow it.
		if err := e.page.SwitchToLatestTab(ctx); err != nil {
			e.logger.Debug("Could not switch to latest tab.", zap.Error(err))
		}
		if err := e.sleep(ctx, postClickPause); err != nil {
			return failed(ErrCodeTimeoutError, err)
		}
		e.logger.Info("Clicked element.", zap.String("label", act.Label), zap.String("matcher", m.name))
		return ExecutionResult{OK: true, Matcher: m.name}
	}

	// Nothing matched at all, as opposed to a match that would not click.
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %q", ErrElementNotFound, act.Label)
		return failed(ErrCodeElementNotFound, lastErr)
	}
	return failed(ErrCodeExecutionFailure, fmt.Errorf("click %q: %w", act.Label, lastErr))
}

// clickWithRetry makes up to ActionAttempts click attempts with backoff.
func (e *Executor) clickWithRetry(ctx context.Context, el *schemas.ElementHandle) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.ActionAttempts-1)), ctx)

	return backoff.Retry(func() error {
		// Force skips the actionability wait; the element was just located.
		return e.page.Click(ctx, el, schemas.ClickOptions{Timeout: e.cfg.ClickTimeout, Force: true})
	}, policy)
}

func (e *Executor) typeText(ctx context.Context, act Type) ExecutionResult {
	if act.Text == "" {
		return failed(ErrCodeInvalidParameters, errors.New("type requires text"))
	}
	class := classifyText(act.Text, act.Reason)

	// The first input any matcher finds gets the text.
	for _, m := range typeMatchers(act.Label, class) {
		el, err := e.page.Locate(ctx, m.query)
		if err != nil {
			if ctx.Err() != nil {
				return failed(ErrCodeTimeoutError, ctx.Err())
			}
			e.logger.Debug("Matcher lookup failed.", zap.String("matcher", m.name), zap.Error(err))
			continue
		}
		if el == nil {
			continue
		}

		// Fill clears the field first.
		if err := e.page.Fill(ctx, el, act.Text); err != nil {
			return failed(ErrCodeExecutionFailure, fmt.Errorf("fill via %s: %w", m.name, err))
		}

		if e.shouldSubmit(ctx, class, el) {
			if err := e.page.PressKey(ctx, schemas.KeyEnter); err != nil {
				return failed(ErrCodeExecutionFailure, fmt.Errorf("press enter: %w", err))
			}
			if err := e.page.Settle(ctx, e.cfg.SettleDelay); err != nil {
				e.logger.Debug("Page did not settle after submit.", zap.Error(err))
			}
		}
		e.logger.Info("Typed text.", zap.String("class", class.String()), zap.String("matcher", m.name))
		return ExecutionResult{OK: true, Matcher: m.name}
	}
	return failed(ErrCodeElementNotFound, fmt.Errorf("%w: no input for %s text", ErrElementNotFound, class))
}

// shouldSubmit reports whether Enter should follow typing: only for plain text
// in a single-line input, and only when the form has no explicit control.
func (e *Executor) shouldSubmit(ctx context.Context, class textClass, el *schemas.ElementHandle) bool {
	if class != classPlain || !strings.EqualFold(el.Tag, "input") {
		return false
	}
	switch strings.ToLower(el.InputType) {
	case "", "text", "search":
	default:
		return false
	}
	// An explicit submit control means the model should click it instead.
	for _, name := range submitControlNames {
		ctrl, err := e.page.Locate(ctx, schemas.Query{Role: "button", Name: name, Exact: true})
		if err == nil && ctrl != nil {
			return false
		}
	}
	return true
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
