package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/captcha"
)

// -- Page --

func queryKey(q schemas.Query) string {
	return fmt.Sprintf("%s|%s|%s|%t|%s|%t", q.Selector, q.Role, q.Name, q.Exact, q.Text, q.EmptyOnly)
}

// stubPage is a schemas.Page with canned answers.
type stubPage struct {
	mu sync.Mutex

	url       string
	shotErr   error
	located   map[string]*schemas.ElementHandle
	clickErrs []error // consumed one per click
	evalRes   interface{}
	evalErr   error
	panicOn   string

	shots     int
	navigated []string
	clicked   []string
	filled    []string
	keys      []schemas.Key
	lookups   []string
}

func newStubPage() *stubPage {
	return &stubPage{url: "https://example.com/", located: map[string]*schemas.ElementHandle{}}
}

func (p *stubPage) find(q schemas.Query, el *schemas.ElementHandle) {
	p.located[queryKey(q)] = el
}

func (p *stubPage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	p.url = url
	return nil
}

func (p *stubPage) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *stubPage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn == "screenshot" {
		panic("screenshot exploded")
	}
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	p.shots++
	return []byte(fmt.Sprintf("png-%d", p.shots)), nil
}

func (p *stubPage) Content(context.Context) (string, error) { return "<html></html>", nil }

func (p *stubPage) Evaluate(_ context.Context, _ string, res interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return p.evalErr
	}
	if res == nil || p.evalRes == nil {
		return nil
	}
	raw, err := jsoniter.Marshal(p.evalRes)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, res)
}

func (p *stubPage) EvaluateInFrame(ctx context.Context, _ string, script string, res interface{}) error {
	return p.Evaluate(ctx, script, res)
}

func (p *stubPage) Frames(context.Context) ([]schemas.FrameInfo, error) { return nil, nil }

func (p *stubPage) Locate(_ context.Context, q schemas.Query) (*schemas.ElementHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := queryKey(q)
	p.lookups = append(p.lookups, key)
	return p.located[key], nil
}

func (p *stubPage) Click(_ context.Context, el *schemas.ElementHandle, _ schemas.ClickOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clickErrs) > 0 {
		err := p.clickErrs[0]
		p.clickErrs = p.clickErrs[1:]
		if err != nil {
			return err
		}
	}
	p.clicked = append(p.clicked, el.ObjectID)
	return nil
}

func (p *stubPage) Fill(_ context.Context, el *schemas.ElementHandle, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = append(p.filled, el.ObjectID+"="+text)
	return nil
}

func (p *stubPage) PressKey(_ context.Context, key schemas.Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *stubPage) ElementScreenshot(context.Context, *schemas.ElementHandle) ([]byte, error) {
	return []byte("el"), nil
}

func (p *stubPage) SwitchToLatestTab(context.Context) error { return nil }

func (p *stubPage) Settle(context.Context, time.Duration) error { return nil }

// stubSession adds the session methods to stubPage.
type stubSession struct {
	*stubPage
	closed bool
}

func (s *stubSession) ID() string                  { return "session" }
func (s *stubSession) Close(context.Context) error { s.closed = true; return nil }

// -- Vision --

type mockVision struct {
	mock.Mock
}

func (m *mockVision) Analyze(ctx context.Context, req schemas.VisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func purpose(p string) interface{} {
	return mock.MatchedBy(func(req schemas.VisionRequest) bool { return req.Purpose == p })
}

// -- Orchestrator collaborators --

type mockDecider struct {
	mock.Mock
}

func (m *mockDecider) Decide(ctx context.Context, shot []byte, task string, st LoopState) (Action, error) {
	args := m.Called(ctx, shot, task, st)
	a, _ := args.Get(0).(Action)
	return a, args.Error(1)
}

func (m *mockDecider) VerifyEarly(ctx context.Context, shot []byte, task string) bool {
	return m.Called(ctx, shot, task).Bool(0)
}

func (m *mockDecider) VerifyCompletion(ctx context.Context, shot []byte, task string) (Verdict, string) {
	args := m.Called(ctx, shot, task)
	return args.Get(0).(Verdict), args.String(1)
}

func (m *mockDecider) DiagnoseFailure(ctx context.Context, shot []byte, task string) string {
	return m.Called(ctx, shot, task).String(0)
}

// scriptedResolver returns its resolutions in order; the last one sticks.
type scriptedResolver struct {
	results []captcha.Resolution
	calls   int
}

func (r *scriptedResolver) Resolve(context.Context, schemas.Page) captcha.Resolution {
	r.calls++
	if len(r.results) == 0 {
		return captcha.Resolution{Kind: captcha.KindNone}
	}
	res := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return res
}

// fakeBlockers returns verdicts in order; the last one sticks.
type fakeBlockers struct {
	verdicts     []BlockerVerdict
	dismissOK    bool
	detectSteps  int
	dismissCalls int
}

func (b *fakeBlockers) Detect(context.Context, schemas.Page, []byte) BlockerVerdict {
	b.detectSteps++
	if len(b.verdicts) == 0 {
		return BlockerVerdict{Type: BlockerNone}
	}
	v := b.verdicts[0]
	if len(b.verdicts) > 1 {
		b.verdicts = b.verdicts[1:]
	}
	return v
}

func (b *fakeBlockers) Dismiss(context.Context, schemas.Page) bool {
	b.dismissCalls++
	return b.dismissOK
}

// fakeExecutor reports results in order; the last one sticks.
type fakeExecutor struct {
	results []ExecutionResult
	actions []Action
	panics  bool
}

func (e *fakeExecutor) Execute(_ context.Context, a Action) ExecutionResult {
	if e.panics {
		panic("executor exploded")
	}
	e.actions = append(e.actions, a)
	if len(e.results) == 0 {
		return ExecutionResult{OK: true}
	}
	r := e.results[0]
	if len(e.results) > 1 {
		e.results = e.results[1:]
	}
	return r
}

// memFrames records the indexes of saved frames. The first failCalls saves
// return an error and record nothing.
type memFrames struct {
	indexes   []int
	failCalls int
}

func (f *memFrames) Save(index int, _ []byte) error {
	if f.failCalls > 0 {
		f.failCalls--
		return errors.New("disk full")
	}
	f.indexes = append(f.indexes, index)
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
