// internal/agent/orchestrator.go
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/captcha"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// Pauses around page changes. They give late scripts and animations time to
// finish before the next screenshot.
const (
	successPause     = 3 * time.Second
	finalSettle      = 5 * time.Second
	dismissedPause   = 2 * time.Second
	navigationSettle = 3 * time.Second

	redacted = "[redacted]"
)

// blockerKeywords in a done rationale end the run as blocked without
// verification. "captcha" is excluded since the resolver already ran.
var blockerKeywords = []string{"blocked", "robot", "login"}

// -- Collaborators --

// CaptchaResolver clears CAPTCHA widgets on the current page.
type CaptchaResolver interface {
	Resolve(ctx context.Context, page schemas.Page) captcha.Resolution
}

// BlockerHandler classifies and dismisses overlays.
type BlockerHandler interface {
	Detect(ctx context.Context, page schemas.Page, shot []byte) BlockerVerdict
	Dismiss(ctx context.Context, page schemas.Page) bool
}

// Decider is the model-facing half of the loop.
type Decider interface {
	Decide(ctx context.Context, shot []byte, task string, st LoopState) (Action, error)
	VerifyEarly(ctx context.Context, shot []byte, task string) bool
	VerifyCompletion(ctx context.Context, shot []byte, task string) (Verdict, string)
	DiagnoseFailure(ctx context.Context, shot []byte, task string) string
}

// ActionExecutor performs click and type actions.
type ActionExecutor interface {
	Execute(ctx context.Context, a Action) ExecutionResult
}

// FrameSink receives every captured screenshot in capture order.
type FrameSink interface {
	Save(index int, png []byte) error
}

// transition is what the loop does after one iteration.
type transition int

const (
	// advance moves to the next step.
	advance transition = iota
	// retrySameStep re-runs the current step index, bounded by MaxStepRetries.
	retrySameStep
	// terminate ends the loop; runState.outcome holds the result.
	terminate
)

// Orchestrator runs the screenshot, decide, act loop for one task.
type Orchestrator struct {
	page     schemas.Page
	captcha  CaptchaResolver
	blockers BlockerHandler
	engine   Decider
	exec     ActionExecutor
	frames   FrameSink
	cfg      config.AgentConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	// sleep and now are replaced in tests.
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewOrchestrator wires the loop collaborators for one run. metrics may be nil.
func NewOrchestrator(
	page schemas.Page,
	resolver CaptchaResolver,
	blockers BlockerHandler,
	engine Decider,
	exec ActionExecutor,
	frames FrameSink,
	cfg config.AgentConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		page:     page,
		captcha:  resolver,
		blockers: blockers,
		engine:   engine,
		exec:     exec,
		frames:   frames,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		metrics:  metrics,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// runState is everything one Run mutates.
type runState struct {
	task     Task
	loop     LoopState
	frame    int
	lastShot []byte
	// forceBlockerCheck runs the blocker detector on the next iteration
	// regardless of cadence.
	forceBlockerCheck bool
	alternateUsed     bool
	// dismissedOn maps a blocker type to the step it was last dismissed on.
	// Seeing it again on that step means the dismissal did not hold.
	dismissedOn map[BlockerType]int
	steps       []schemas.StepRecord
	outcome     Outcome
}

func (r *runState) finish(status schemas.RunStatus, message string, blocker bool) {
	r.outcome.Status = status
	r.outcome.Message = message
	if blocker {
		r.loop.BlockerDetected = true
	}
}

// Run drives the loop until a terminal state. It never panics: unexpected
// failures become an Error outcome.
func (o *Orchestrator) Run(ctx context.Context, task Task) (out Outcome) {
	r := &runState{task: task, dismissedOn: map[BlockerType]int{}}
	r.loop.Step = 1

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Recovered from panic in step loop.",
				zap.Any("panic_value", p),
				zap.String("stack", string(debug.Stack())),
			)
			out = o.outcome(r, schemas.RunStatusError, fmt.Sprintf("System Error: %v", p))
		}
	}()

	// retries counts same-step re-runs. It resets whenever the step advances.
	retries := 0
	for r.loop.Step <= o.cfg.MaxSteps {
		switch o.iterate(ctx, r) {
		case terminate:
			return o.finalize(ctx, r)
		case retrySameStep:
			retries++
			if retries > o.cfg.MaxStepRetries {
				o.logger.Warn("Step retry cap reached, advancing.", zap.Int("step", r.loop.Step))
				r.loop.Step++
				retries = 0
			}
		case advance:
			r.loop.Step++
			retries = 0
		}
	}

	// Every step was used without reaching a terminal state.
	r.loop.Step = o.cfg.MaxSteps
	r.finish(schemas.RunStatusFailed, "Failed: Task timed out", false)
	return o.finalize(ctx, r)
}

// iterate runs one pass of the transition function at the current step.
func (o *Orchestrator) iterate(ctx context.Context, r *runState) transition {
	if err := ctx.Err(); err != nil {
		r.finish(schemas.RunStatusError, fmt.Sprintf("System Error: %v", err), false)
		return terminate
	}
	st := &r.loop
	logger := o.logger.With(zap.Int("step", st.Step))

	// 1. Follow any tab the last action opened, then capture the page.
	if err := o.page.SwitchToLatestTab(ctx); err != nil {
		logger.Debug("Could not switch to latest tab.", zap.Error(err))
	}

	shot, err := o.page.Screenshot(ctx)
	if err != nil {
		r.finish(schemas.RunStatusError, fmt.Sprintf("System Error: screenshot failed: %v", err), false)
		return terminate
	}
	r.lastShot = shot
	o.saveFrame(r, shot)

	// 2. CAPTCHA runs every step, before anything else looks at the page.
	if t, done := o.handleCaptcha(ctx, r, logger); done {
		return t
	}

	// 3. Overlays are checked on a cadence to bound model calls.
	if o.blockerCheckDue(r) {
		r.forceBlockerCheck = false
		if t, done := o.handleBlocker(ctx, r, shot, logger); done {
			return t
		}
	}

	// 4. Ask the model. An unusable answer costs a failure and a retry.
	action, err := o.engine.Decide(ctx, shot, r.task.Prompt, *st)
	if err != nil {
		st.ConsecutiveFailures++
		logger.Warn("No usable decision, retrying step.", zap.Int("consecutive_failures", st.ConsecutiveFailures), zap.Error(err))
		if o.failureBudgetSpent(r) {
			return terminate
		}
		if err := o.sleep(ctx, o.cfg.RetryDelay); err != nil {
			r.finish(schemas.RunStatusError, fmt.Sprintf("System Error: %v", err), false)
			return terminate
		}
		return retrySameStep
	}

	// 5. Stall detection runs on the decision, before anything executes.
	st.Track(action)
	if st.RepeatCount >= o.cfg.RepeatThreshold {
		r.finish(schemas.RunStatusFailed,
			fmt.Sprintf("Failed: Stuck in loop - action '%s' repeated %d times", action.Signature(), st.RepeatCount), false)
		return terminate
	}

	// 6. Either verify a claimed finish or act on the page.
	if done, ok := action.(Done); ok {
		return o.handleDone(ctx, r, done, shot, logger)
	}
	return o.execute(ctx, r, action, logger)
}

// handleCaptcha reports done=true when the CAPTCHA outcome decides the
// transition for this iteration.
func (o *Orchestrator) handleCaptcha(ctx context.Context, r *runState, logger *zap.Logger) (transition, bool) {
	res := o.captcha.Resolve(ctx, o.page)
	if !res.Detected {
		return advance, false
	}
	switch {
	case res.Stop:
		// An unsolvable widget ends the run unless the task can be carried
		// out somewhere else.
		if o.tryAlternateRoute(ctx, r, logger) {
			return retrySameStep, true
		}
		r.finish(schemas.RunStatusFailed, "Failed: "+res.Reason, true)
		return terminate, true
	case res.Solved:
		// The page may issue a new challenge or an overlay after a solve.
		logger.Info("CAPTCHA cleared.", zap.String("kind", string(res.Kind)), zap.String("method", string(res.Method)))
		r.forceBlockerCheck = true
		return retrySameStep, true
	}
	logger.Info("CAPTCHA still present, letting the model continue.", zap.String("reason", res.Reason))
	return advance, false
}

// tryAlternateRoute moves a search task onto its Brave results page once.
func (o *Orchestrator) tryAlternateRoute(ctx context.Context, r *runState, logger *zap.Logger) bool {
	if r.alternateUsed || r.task.AlternateURL == "" {
		return false
	}
	// Already on the alternate route: there is nowhere else to go.
	current, err := o.page.CurrentURL(ctx)
	if err == nil && IsBraveSearch(current) {
		return false
	}
	r.alternateUsed = true
	logger.Info("Unsolvable CAPTCHA, switching to alternate route.", zap.String("url", r.task.AlternateURL))
	if err := o.page.Navigate(ctx, r.task.AlternateURL); err != nil {
		logger.Warn("Alternate route navigation failed.", zap.Error(err))
		return false
	}
	_ = o.page.Settle(ctx, navigationSettle)
	r.loop.ConsecutiveFailures = 0
	return true
}

// blockerCheckDue reports whether the detector runs this iteration. Tasks that
// want to log in never see login walls as blockers.
func (o *Orchestrator) blockerCheckDue(r *runState) bool {
	if HasLoginIntent(r.task.Prompt) {
		return false
	}
	return r.forceBlockerCheck ||
		r.loop.Step%o.cfg.BlockerCadence == 0 ||
		r.loop.ConsecutiveFailures > 2
}

// handleBlocker reports done=true when the blocker decides the transition.
// Otherwise the step continues to the model.
func (o *Orchestrator) handleBlocker(ctx context.Context, r *runState, shot []byte, logger *zap.Logger) (transition, bool) {
	verdict := o.blockers.Detect(ctx, o.page, shot)
	if !verdict.Blocked {
		return advance, false
	}
	step := r.loop.Step
	switch verdict.Type {
	case BlockerLogin:
		if r.dismissedOn[BlockerLogin] == step || !o.blockers.Dismiss(ctx, o.page) {
			r.finish(schemas.RunStatusFailed, "Failed: Login required - "+verdict.Reason, true)
			return terminate, true
		}
		logger.Info("Login popup closed, re-evaluating step.")
		r.dismissedOn[BlockerLogin] = step
		r.loop.ConsecutiveFailures = 0
		_ = o.sleep(ctx, dismissedPause)
		return retrySameStep, true
	case BlockerCookies:
		// A banner that will not go away is left to the model, which can
		// usually click its accept button itself.
		if r.dismissedOn[BlockerCookies] == step {
			logger.Debug("Cookie banner persists after dismissal, handing step to the model.")
			return advance, false
		}
		if !o.blockers.Dismiss(ctx, o.page) {
			logger.Debug("Cookie banner could not be dismissed, handing step to the model.")
			return advance, false
		}
		r.dismissedOn[BlockerCookies] = step
		return retrySameStep, true
	}
	return advance, false
}

func (o *Orchestrator) handleDone(ctx context.Context, r *runState, done Done, shot []byte, logger *zap.Logger) transition {
	st := &r.loop
	// 1. The model may itself say it is stuck behind a wall.
	reason := strings.ToLower(done.Reason)
	if containsAny(reason, blockerKeywords) && !strings.Contains(reason, "captcha") {
		r.finish(schemas.RunStatusFailed, "Failed: "+done.Reason, true)
		return terminate
	}

	// 2. Finishing in the first few steps is suspicious; ask once more.
	if st.Step < o.cfg.EarlyVerifySteps && !o.engine.VerifyEarly(ctx, shot, r.task.Prompt) {
		logger.Info("Early done rejected, continuing.")
		return o.rejectDone(r)
	}

	// 3. Every done is confirmed by a separate completion check.
	verdict, answer := o.engine.VerifyCompletion(ctx, shot, r.task.Prompt)
	switch verdict {
	case VerdictComplete:
		o.captureFinalFrame(ctx, r, logger)
		r.finish(schemas.RunStatusSuccess, "Success: "+done.Reason, false)
		return terminate
	case VerdictBlocked:
		if !o.blockers.Dismiss(ctx, o.page) {
			r.finish(schemas.RunStatusFailed, "Failed: "+answer, true)
			return terminate
		}
		st.ConsecutiveFailures = 0
		return retrySameStep
	}
	logger.Info("Completion not verified, continuing.", zap.String("answer", answer))
	return o.rejectDone(r)
}

// rejectDone counts a done that did not hold up and moves on.
func (o *Orchestrator) rejectDone(r *runState) transition {
	st := &r.loop
	st.ConsecutiveFailures++
	st.PrematureDone++
	// The model keeps insisting; stop rather than loop on done.
	if st.PrematureDone >= o.cfg.PrematureDoneLimit {
		r.finish(schemas.RunStatusFailed, "Failed: agent declared done incorrectly", false)
		return terminate
	}
	if o.failureBudgetSpent(r) {
		return terminate
	}
	return advance
}

// execute runs one action and folds the result into the loop counters.
func (o *Orchestrator) execute(ctx context.Context, r *runState, action Action, logger *zap.Logger) transition {
	st := &r.loop
	// 1. Run it.
	res := o.exec.Execute(ctx, action)
	// 2. Update counters, metrics and history.
	st.RecordResult(res.OK)
	st.UpdatePanel(action, res.OK)
	// Any executed action, even a failed one, breaks a run of premature dones.
	st.PrematureDone = 0
	o.metrics.ObserveStep(string(action.Kind()), res.OK)
	o.recordStep(ctx, r, action, res.OK)

	if !res.OK {
		logger.Warn("Action failed.",
			zap.String("signature", action.Signature()),
			zap.String("code", string(res.Code)),
			zap.Int("consecutive_failures", st.ConsecutiveFailures),
			zap.Error(res.Err),
		)
	}
	if o.failureBudgetSpent(r) {
		return terminate
	}
	return advance
}

// failureBudgetSpent ends the run once consecutive failures reach the budget.
func (o *Orchestrator) failureBudgetSpent(r *runState) bool {
	if r.loop.ConsecutiveFailures < o.cfg.FailureBudget {
		return false
	}
	r.finish(schemas.RunStatusFailed,
		fmt.Sprintf("Failed: Too many consecutive failures (%d)", r.loop.ConsecutiveFailures), false)
	return true
}

// recordStep appends the history entry for an executed action.
func (o *Orchestrator) recordStep(ctx context.Context, r *runState, action Action, ok bool) {
	rec := schemas.StepRecord{
		Index:     r.loop.Step,
		Action:    action.Kind(),
		Reason:    action.Rationale(),
		Succeeded: ok,
		At:        o.now().UTC(),
	}
	// Only click and type carry a target.
	switch a := action.(type) {
	case Click:
		rec.Label = a.Label
	case Type:
		rec.Label = a.Label
		rec.Text = a.Text
		if classifyText(a.Text, a.Reason) == classPassword {
			rec.Text = redacted
		}
	}
	// The URL is after the action ran, so it shows where the step led.
	if u, err := o.page.CurrentURL(ctx); err == nil {
		rec.URL = u
	}
	r.steps = append(r.steps, rec)
}

// saveFrame only advances the frame index on success; the encoder reads
// a contiguous sequence and stops at the first missing index.
func (o *Orchestrator) saveFrame(r *runState, png []byte) {
	if err := o.frames.Save(r.frame, png); err != nil {
		o.logger.Warn("Could not persist frame.", zap.Int("frame", r.frame), zap.Error(err))
		return
	}
	r.frame++
}

// captureFinalFrame lets the finished page render and adds it to the video.
func (o *Orchestrator) captureFinalFrame(ctx context.Context, r *runState, logger *zap.Logger) {
	if err := o.sleep(ctx, successPause); err != nil {
		return
	}
	_ = o.page.Settle(ctx, finalSettle)
	shot, err := o.page.Screenshot(ctx)
	if err != nil {
		logger.Warn("Final screenshot failed.", zap.Error(err))
		return
	}
	r.lastShot = shot
	o.saveFrame(r, shot)
}

// finalize adds a diagnosis to failures that no blocker explains.
func (o *Orchestrator) finalize(ctx context.Context, r *runState) Outcome {
	if r.outcome.Status == schemas.RunStatusFailed && !r.loop.BlockerDetected && r.lastShot != nil && ctx.Err() == nil {
		diagnosis := o.engine.DiagnoseFailure(ctx, r.lastShot, r.task.Prompt)
		r.outcome.Message = r.outcome.Message + " - " + diagnosis
	}
	o.logger.Info("Run finished.",
		zap.String("status", string(r.outcome.Status)),
		zap.String("result", r.outcome.Message),
		zap.Int("steps", r.loop.Step),
	)
	return o.outcome(r, r.outcome.Status, r.outcome.Message)
}

func (o *Orchestrator) outcome(r *runState, status schemas.RunStatus, message string) Outcome {
	return Outcome{
		Status:          status,
		Message:         message,
		BlockerDetected: r.loop.BlockerDetected,
		StepsTaken:      r.loop.Step,
		Steps:           r.steps,
	}
}
