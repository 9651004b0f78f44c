package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/captcha"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const testPrompt = "search for wireless mouse and add the first result to cart"

type harness struct {
	page     *stubPage
	resolver *scriptedResolver
	blockers *fakeBlockers
	engine   *mockDecider
	exec     *fakeExecutor
	frames   *memFrames
	cfg      config.AgentConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		page:     newStubPage(),
		resolver: &scriptedResolver{},
		blockers: &fakeBlockers{},
		engine:   new(mockDecider),
		exec:     &fakeExecutor{},
		frames:   &memFrames{},
		cfg:      config.NewDefaultConfig().Agent(),
	}
	h.engine.On("DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything).Return("diag").Maybe()
	return h
}

func (h *harness) decide(a Action) *mock.Call {
	return h.engine.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(a, nil)
}

func (h *harness) run(t *testing.T, task Task) Outcome {
	t.Helper()
	o := NewOrchestrator(h.page, h.resolver, h.blockers, h.engine, h.exec, h.frames, h.cfg, zaptest.NewLogger(t), nil)
	o.sleep = noSleep
	return o.Run(context.Background(), task)
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t)
	h.decide(Type{Text: "wireless mouse"}).Once()
	h.decide(Click{Label: "Logitech M185"}).Once()
	h.decide(Click{Label: "Add to Cart"}).Once()
	h.decide(Click{Label: "Go to Cart"}).Once()
	h.decide(Done{Reason: "cart shows the mouse"}).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, testPrompt).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, "Success: cart shows the mouse", out.Message)
	assert.Equal(t, 5, out.StepsTaken)
	assert.Len(t, out.Steps, 4)
	for i, s := range out.Steps {
		assert.Equal(t, i+1, s.Index)
		assert.True(t, s.Succeeded)
	}
	assert.Equal(t, "wireless mouse", out.Steps[0].Text)
	assert.Equal(t, sequence(6), h.frames.indexes, "one frame per step plus the final frame")
	assert.Equal(t, 1, h.blockers.detectSteps, "blocker cadence is every third step")
	h.engine.AssertNotCalled(t, "VerifyEarly", mock.Anything, mock.Anything, mock.Anything)
	h.engine.AssertNotCalled(t, "DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_RepeatedActionStalls(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "Next"})

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Stuck in loop - action 'click:next' repeated 7 times - diag", out.Message)
	assert.Equal(t, 8, out.StepsTaken, "the eighth identical decision trips the detector")
	assert.Len(t, h.exec.actions, 7)
}

func TestOrchestrator_FailureBudget(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 8; i++ {
		h.decide(Click{Label: fmt.Sprintf("button %d", i)}).Once()
	}
	h.exec.results = []ExecutionResult{{Code: ErrCodeElementNotFound, Err: ErrElementNotFound}}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Too many consecutive failures (8) - diag", out.Message)
	assert.Equal(t, 8, out.StepsTaken)
	for _, s := range out.Steps {
		assert.False(t, s.Succeeded)
	}
}

func TestOrchestrator_EarlyDoneRejected(t *testing.T) {
	h := newHarness(t)
	h.decide(Done{Reason: "looks done"}).Once()
	h.decide(Done{Reason: "cart updated"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(false).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, "Success: cart updated", out.Message)
	assert.Equal(t, 2, out.StepsTaken)
	h.engine.AssertNumberOfCalls(t, "VerifyCompletion", 1)
}

func TestOrchestrator_IncompleteNeverSucceeds(t *testing.T) {
	h := newHarness(t)
	h.decide(Done{Reason: "finished"})
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true)
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictIncomplete, "INCOMPLETE - cart empty")

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: agent declared done incorrectly - diag", out.Message)
	assert.Equal(t, 3, out.StepsTaken)
	h.engine.AssertNumberOfCalls(t, "VerifyCompletion", 3)
}

func TestOrchestrator_BlockerKeywordShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.decide(Done{Reason: "Finished adding item, login popup appeared but I could not close it"}).Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Finished adding item, login popup appeared but I could not close it", out.Message)
	assert.True(t, out.BlockerDetected)
	h.engine.AssertNotCalled(t, "VerifyEarly", mock.Anything, mock.Anything, mock.Anything)
	h.engine.AssertNotCalled(t, "VerifyCompletion", mock.Anything, mock.Anything, mock.Anything)
	h.engine.AssertNotCalled(t, "DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_CaptchaMentionSkipsShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.decide(Done{Reason: "the captcha before login is gone and the cart is full"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt})
	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
}

func TestOrchestrator_ParseFailureRetriesSameStep(t *testing.T) {
	h := newHarness(t)
	var seen []int
	record := func(args mock.Arguments) { seen = append(seen, args.Get(3).(LoopState).Step) }
	h.engine.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, ErrMalformedDecision).Run(record).Twice()
	h.decide(Click{Label: "Next"}).Run(record).Once()
	h.decide(Done{Reason: "done"}).Run(record).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, []int{1, 1, 1, 2}, seen)
	assert.Equal(t, 1, out.Steps[0].Index)
	assert.Equal(t, sequence(5), h.frames.indexes, "retried steps keep frames in capture order")
}

func TestOrchestrator_ParseFailuresFoldIntoBudget(t *testing.T) {
	h := newHarness(t)
	h.engine.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, ErrEmptyResponse)

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Too many consecutive failures (8) - diag", out.Message)
	assert.Equal(t, 2, out.StepsTaken, "step retries are capped, then the step advances")
}

func TestOrchestrator_CaptchaStop(t *testing.T) {
	h := newHarness(t)
	h.resolver.results = []captcha.Resolution{{
		Kind: captcha.KindTurnstile, Detected: true, Stop: true,
		Reason: "CAPTCHA (turnstile) detected and no solving service is configured",
	}}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: CAPTCHA (turnstile) detected and no solving service is configured", out.Message)
	assert.True(t, out.BlockerDetected)
	h.engine.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.engine.AssertNotCalled(t, "DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_CaptchaAlternateRoute(t *testing.T) {
	const alt = "https://search.brave.com/search?q=wireless%20mouse"
	h := newHarness(t)
	h.page.url = "https://www.google.com/sorry/index"
	h.resolver.results = []captcha.Resolution{
		{Kind: captcha.KindRecaptcha, Detected: true, Stop: true, Reason: "CapSolver failed"},
		{Kind: captcha.KindNone},
	}
	h.decide(Done{Reason: "results are shown"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt, SearchQuery: "wireless mouse", AlternateURL: alt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, []string{alt}, h.page.navigated)
}

func TestOrchestrator_AlternateRouteUsedOnce(t *testing.T) {
	const alt = "https://search.brave.com/search?q=x"
	h := newHarness(t)
	h.page.url = alt
	h.resolver.results = []captcha.Resolution{{Kind: captcha.KindHCaptcha, Detected: true, Stop: true, Reason: "CapSolver failed"}}

	out := h.run(t, Task{Prompt: testPrompt, AlternateURL: alt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Empty(t, h.page.navigated, "already on the alternate route")
}

func TestOrchestrator_SolvedCaptchaForcesBlockerCheck(t *testing.T) {
	h := newHarness(t)
	h.resolver.results = []captcha.Resolution{
		{Kind: captcha.KindTurnstile, Detected: true, Solved: true, Method: captcha.MethodCheckbox},
		{Kind: captcha.KindNone},
	}
	h.decide(Done{Reason: "page is open"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, 1, h.blockers.detectSteps)
	assert.Equal(t, 1, out.StepsTaken)
}

func TestOrchestrator_LoginWall(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Click{Label: "b"}).Once()
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerLogin, Reason: "sign in wall"}}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Login required - sign in wall", out.Message)
	assert.True(t, out.BlockerDetected)
	assert.Equal(t, 3, out.StepsTaken)
	h.engine.AssertNotCalled(t, "DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_LoginPopupDismissed(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Click{Label: "b"}).Once()
	h.decide(Done{Reason: "cart is visible"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerLogin, Reason: "popup"}, {Type: BlockerNone}}
	h.blockers.dismissOK = true

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, 3, out.StepsTaken, "the dismissed step is re-evaluated, not skipped")
	assert.Equal(t, 1, h.blockers.dismissCalls)
	assert.Equal(t, 2, h.blockers.detectSteps)
}

func TestOrchestrator_CookieBannerIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Click{Label: "b"}).Once()
	h.decide(Click{Label: "c"}).Once()
	h.decide(Done{Reason: "cart is visible"}).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerCookies, Reason: "consent"}, {Type: BlockerNone}}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, 1, h.blockers.dismissCalls)
}

func TestOrchestrator_StubbornCookieBannerLeavesStepToModel(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxSteps = 9
	for i := 0; i < 9; i++ {
		h.decide(Click{Label: fmt.Sprintf("item %d", i)}).Once()
	}
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerCookies, Reason: "consent wall"}}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Task timed out - diag", out.Message)
	h.engine.AssertNumberOfCalls(t, "Decide", 9)
	assert.Len(t, h.exec.actions, 9, "no step is lost to the banner")
	assert.Equal(t, 3, h.blockers.detectSteps, "one check per cadence step")
	assert.Equal(t, 3, h.blockers.dismissCalls)
	assert.Equal(t, sequence(9), h.frames.indexes)
}

func TestOrchestrator_CookieBannerReturningAfterDismissal(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxSteps = 9
	for i := 0; i < 9; i++ {
		h.decide(Click{Label: fmt.Sprintf("item %d", i)}).Once()
	}
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerCookies, Reason: "consent wall"}}
	h.blockers.dismissOK = true

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	h.engine.AssertNumberOfCalls(t, "Decide", 9)
	assert.Equal(t, 3, h.blockers.dismissCalls, "one dismissal per cadence step")
	assert.Equal(t, 6, h.blockers.detectSteps, "each dismissal is re-checked once")
	assert.Equal(t, sequence(12), h.frames.indexes)
}

func TestOrchestrator_LoginWallSurvivingDismissal(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Click{Label: "b"}).Once()
	h.blockers.verdicts = []BlockerVerdict{{Blocked: true, Type: BlockerLogin, Reason: "sign in wall"}}
	h.blockers.dismissOK = true

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Login required - sign in wall", out.Message)
	assert.Equal(t, 3, out.StepsTaken)
	assert.Equal(t, 1, h.blockers.dismissCalls)
	assert.Equal(t, 2, h.blockers.detectSteps)
}

func TestOrchestrator_LoginIntentSkipsBlockerCheck(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Click{Label: "b"}).Once()
	h.decide(Click{Label: "c"}).Once()
	h.decide(Done{Reason: "inbox open"}).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()

	out := h.run(t, Task{Prompt: "log in to example.com and open the inbox"})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Zero(t, h.blockers.detectSteps)
}

func TestOrchestrator_VerifiedBlockedDone(t *testing.T) {
	h := newHarness(t)
	h.decide(Done{Reason: "page loaded"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictBlocked, "BLOCKED - age gate").Once()

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: BLOCKED - age gate", out.Message)
	assert.True(t, out.BlockerDetected)
	assert.Equal(t, 1, h.blockers.dismissCalls)
}

func TestOrchestrator_TimesOut(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxSteps = 3
	for _, l := range []string{"a", "b", "c"} {
		h.decide(Click{Label: l}).Once()
	}

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusFailed, out.Status)
	assert.Equal(t, "Failed: Task timed out - diag", out.Message)
	assert.Equal(t, 3, out.StepsTaken)
}

func TestOrchestrator_ScreenshotFailureIsError(t *testing.T) {
	h := newHarness(t)
	h.page.shotErr = errors.New("target closed")

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusError, out.Status)
	assert.Equal(t, "System Error: screenshot failed: target closed", out.Message)
	h.engine.AssertNotCalled(t, "DiagnoseFailure", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_FrameIndexesStayContiguous(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.decide(Done{Reason: "page is open"}).Once()
	h.engine.On("VerifyEarly", mock.Anything, mock.Anything, mock.Anything).Return(true).Once()
	h.engine.On("VerifyCompletion", mock.Anything, mock.Anything, mock.Anything).Return(VerdictComplete, "COMPLETE").Once()
	h.frames.failCalls = 1

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusSuccess, out.Status)
	assert.Equal(t, sequence(2), h.frames.indexes, "a failed write does not leave a hole")
}

func TestOrchestrator_RecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	h.decide(Click{Label: "a"}).Once()
	h.exec.panics = true

	out := h.run(t, Task{Prompt: testPrompt})

	assert.Equal(t, schemas.RunStatusError, out.Status)
	assert.Equal(t, "System Error: executor exploded", out.Message)
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	h := newHarness(t)
	o := NewOrchestrator(h.page, h.resolver, h.blockers, h.engine, h.exec, h.frames, h.cfg, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.Run(ctx, Task{Prompt: testPrompt})
	assert.Equal(t, schemas.RunStatusError, out.Status)
	assert.Zero(t, h.page.shots)
}
