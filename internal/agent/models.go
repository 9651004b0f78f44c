// internal/agent/models.go
package agent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// Task is one natural-language goal plus the routing facts derived from it.
// It does not change while the run is in progress.
type Task struct {
	Prompt string
	// SearchQuery is set when the prompt was recognized as a search.
	SearchQuery string
	// AlternateURL is an unblocked starting point to fall back to when a
	// CAPTCHA cannot be solved. Empty when there is none.
	AlternateURL string
}

// Action is a validated model decision: Click, Type or Done.
type Action interface {
	Kind() schemas.ActionKind
	// Signature identifies the decision for repeat detection.
	Signature() string
	Rationale() string
	isAction()
}

// Click clicks the element best matching Label.
type Click struct {
	Label  string
	Reason string
}

// Type fills Text into the most plausible input. Label optionally names the field.
type Type struct {
	Text   string
	Label  string
	Reason string
}

// Done claims the goal is reached (or cannot be).
type Done struct {
	Reason string
}

// -- Action implementations --

func (Click) Kind() schemas.ActionKind { return schemas.ActionClick }
func (Type) Kind() schemas.ActionKind  { return schemas.ActionType }
func (Done) Kind() schemas.ActionKind  { return schemas.ActionDone }

func (c Click) Signature() string { return signature(schemas.ActionClick, c.Label) }

// Type signatures fall back to the text when the model gave no label.
func (t Type) Signature() string {
	target := t.Label
	if target == "" {
		target = t.Text
	}
	return signature(schemas.ActionType, target)
}
func (Done) Signature() string { return signature(schemas.ActionDone, "") }

func (c Click) Rationale() string { return c.Reason }
func (t Type) Rationale() string  { return t.Reason }
func (d Done) Rationale() string  { return d.Reason }

func (Click) isAction() {}
func (Type) isAction()  {}
func (Done) isAction()  {}

// signature normalizes case and spacing so near-identical repeats match.
func signature(kind schemas.ActionKind, target string) string {
	return string(kind) + ":" + strings.ToLower(strings.TrimSpace(target))
}

// rawDecision is the JSON shape the model is asked for. The state fields are
// self-reports kept for logging only.
type rawDecision struct {
	Action         string `json:"action"`
	Label          string `json:"label"`
	TextToType     string `json:"text_to_type"`
	Reason         string `json:"reason"`
	CurrentState   string `json:"current_state,omitempty"`
	CompletedSteps string `json:"completed_steps,omitempty"`
	RemainingSteps string `json:"remaining_steps,omitempty"`
}

// DecodeDecision turns a model answer into an Action. Empty answers return
// ErrEmptyResponse; anything that is not a complete click/type/done returns an
// error wrapping ErrMalformedDecision.
func DecodeDecision(answer string) (Action, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, ErrEmptyResponse
	}
	// Fences, prose and slightly broken JSON are tolerated.
	raw, err := llmutil.ParseJSONResponse[rawDecision](answer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	// Each action kind has its own required field.
	label := strings.TrimSpace(raw.Label)
	reason := strings.TrimSpace(raw.Reason)
	switch schemas.ActionKind(strings.ToLower(strings.TrimSpace(raw.Action))) {
	case schemas.ActionClick:
		if label == "" {
			return nil, fmt.Errorf("%w: click without a label", ErrMalformedDecision)
		}
		return Click{Label: label, Reason: reason}, nil
	case schemas.ActionType:
		// Text is kept verbatim; whitespace can matter in a query.
		if raw.TextToType == "" {
			return nil, fmt.Errorf("%w: type without text", ErrMalformedDecision)
		}
		return Type{Text: raw.TextToType, Label: label, Reason: reason}, nil
	case schemas.ActionDone:
		return Done{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, raw.Action)
	}
}

// LoopState holds the run-scoped counters of the step loop.
type LoopState struct {
	Step                int
	ConsecutiveFailures int
	LastSignature       string
	// RepeatCount is 0 on the first occurrence of a signature and grows while
	// the same signature keeps coming back.
	RepeatCount int
	// PrematureDone counts consecutive done decisions that verification rejected.
	PrematureDone   int
	BlockerDetected bool
	// PanelOpen is set while a multi-step UI panel (menu, filter, picker) is open.
	PanelOpen bool
}

// Track updates repeat detection with the next decision.
func (s *LoopState) Track(a Action) {
	sig := a.Signature()
	// Only back-to-back repeats count.
	if sig == s.LastSignature {
		s.RepeatCount++
		return
	}
	s.LastSignature = sig
	s.RepeatCount = 0
}

// RecordResult folds an executor result into the failure budget.
func (s *LoopState) RecordResult(ok bool) {
	if ok {
		s.ConsecutiveFailures = 0
		return
	}
	s.ConsecutiveFailures++
}

// Label words that suggest a click opened or closed a panel.
var (
	panelOpeners = []string{"menu", "filter", "panel", "options", "settings", "tools", "sort by"}
	panelClosers = []string{"close", "apply", "done", "cancel", "save", "back"}
)

// UpdatePanel tracks whether the last successful click probably opened or
// closed a panel.
func (s *LoopState) UpdatePanel(a Action, ok bool) {
	if !ok {
		return
	}
	// Typing into the page means the panel is no longer the focus.
	click, isClick := a.(Click)
	if !isClick {
		s.PanelOpen = false
		return
	}
	label := strings.ToLower(click.Label)
	// Closers win: "Close filters" closes.
	switch {
	case containsAny(label, panelClosers):
		s.PanelOpen = false
	case containsAny(label, panelOpeners):
		s.PanelOpen = true
	}
}

// containsAny reports whether s contains any of words.
func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Outcome is the terminal state of one orchestrated run.
type Outcome struct {
	Status  schemas.RunStatus
	Message string
	// BlockerDetected is set when the run ended on an identified blocker.
	BlockerDetected bool
	StepsTaken      int
	Steps           []schemas.StepRecord
}
