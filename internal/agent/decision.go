// internal/agent/decision.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Verdict is the answer of the completion check.
type Verdict string

const (
	VerdictComplete   Verdict = "COMPLETE"
	VerdictIncomplete Verdict = "INCOMPLETE"
	VerdictBlocked    Verdict = "BLOCKED"
)

// Output token caps per call. Decisions need room for the JSON object.
const (
	decisionMaxTokens  = 300
	verifyMaxTokens    = 100
	diagnosisMaxTokens = 100
	queryMaxTokens     = 50

	// unknownDiagnosis is used when the model cannot say what went wrong.
	unknownDiagnosis = "Unknown error (could not analyze)."
)

// DecisionEngine is the vision-model policy of the step loop.
type DecisionEngine struct {
	vision   schemas.VisionClient
	maxSteps int
	logger   *zap.Logger
}

// NewDecisionEngine creates an engine for runs capped at maxSteps.
func NewDecisionEngine(vision schemas.VisionClient, maxSteps int, logger *zap.Logger) *DecisionEngine {
	return &DecisionEngine{
		vision:   vision,
		maxSteps: maxSteps,
		logger:   logger.Named("decision"),
	}
}

// Decide asks the model for the next action. Model errors, empty answers and
// malformed JSON are all returned as errors; the caller treats them as a
// transient step failure.
func (d *DecisionEngine) Decide(ctx context.Context, shot []byte, task string, st LoopState) (Action, error) {
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "decide",
		Prompt:          DecisionPrompt(task, st, d.maxSteps),
		Image:           shot,
		MaxOutputTokens: decisionMaxTokens,
		JSON:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("decision call failed: %w", err)
	}
	// Decode tolerates code fences and surrounding prose.
	action, err := DecodeDecision(answer)
	if err != nil {
		d.logger.Warn("Model returned an unusable decision.", zap.Int("step", st.Step), zap.String("raw", answer), zap.Error(err))
		return nil, err
	}
	d.logger.Info("Decision received.",
		zap.Int("step", st.Step),
		zap.String("action", string(action.Kind())),
		zap.String("signature", action.Signature()),
		zap.String("reason", action.Rationale()),
	)
	return action, nil
}

// VerifyEarly asks whether an early done is really finished. An empty answer
// or a failed call counts as YES.
func (d *DecisionEngine) VerifyEarly(ctx context.Context, shot []byte, task string) bool {
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "verify_early",
		Prompt:          EarlyVerifyPrompt(task),
		Image:           shot,
		MaxOutputTokens: verifyMaxTokens,
	})
	if err != nil {
		d.logger.Warn("Early verification failed, assuming YES.", zap.Error(err))
		return true
	}
	d.logger.Info("Early verification.", zap.String("answer", answer))
	return ParseYesNo(answer)
}

// VerifyCompletion runs the COMPLETE/INCOMPLETE/BLOCKED check. Errors and
// unreadable answers count as INCOMPLETE.
func (d *DecisionEngine) VerifyCompletion(ctx context.Context, shot []byte, task string) (Verdict, string) {
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "verify_completion",
		Prompt:          CompletionPrompt(task),
		Image:           shot,
		MaxOutputTokens: verifyMaxTokens,
	})
	if err != nil {
		d.logger.Warn("Completion verification failed.", zap.Error(err))
		return VerdictIncomplete, "verification failed"
	}
	verdict := ParseVerdict(answer)
	d.logger.Info("Completion verification.", zap.String("verdict", string(verdict)), zap.String("answer", answer))
	return verdict, strings.TrimSpace(answer)
}

// DiagnoseFailure asks the model to explain in one sentence what blocked the run.
func (d *DecisionEngine) DiagnoseFailure(ctx context.Context, shot []byte, task string) string {
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "diagnose",
		Prompt:          DiagnosisPrompt(task),
		Image:           shot,
		MaxOutputTokens: diagnosisMaxTokens,
	})
	// Diagnosis is best effort and never fails the caller.
	answer = strings.TrimSpace(answer)
	if err != nil || answer == "" {
		return unknownDiagnosis
	}
	return answer
}

// ExtractSearchQuery reduces a search-style prompt to its bare query with a
// text-only call.
func (d *DecisionEngine) ExtractSearchQuery(ctx context.Context, prompt string) (string, error) {
	answer, err := d.vision.Analyze(ctx, schemas.VisionRequest{
		Purpose:         "extract_query",
		SystemPrompt:    searchQueryPrompt,
		Prompt:          prompt,
		MaxOutputTokens: queryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("query extraction failed: %w", err)
	}
	// Models like to quote the query.
	query := strings.Trim(strings.TrimSpace(answer), `"'`)
	if query == "" {
		return "", errors.New("query extraction returned nothing")
	}
	return query, nil
}

// ParseVerdict reads a completion answer. INCOMPLETE is checked before
// COMPLETE since one contains the other.
func ParseVerdict(answer string) Verdict {
	upper := strings.ToUpper(answer)
	switch {
	case strings.Contains(upper, "INCOMPLETE"):
		return VerdictIncomplete
	case strings.Contains(upper, "BLOCKED"):
		return VerdictBlocked
	case strings.Contains(upper, "COMPLETE"):
		return VerdictComplete
	}
	return VerdictIncomplete
}

// ParseYesNo reads a YES/NO answer. The leading word decides; otherwise any
// standalone NO means no. Empty answers are YES.
func ParseYesNo(answer string) bool {
	words := strings.FieldsFunc(strings.ToUpper(answer), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return true
	}
	switch words[0] {
	case "YES":
		return true
	case "NO":
		return false
	}
	// "The answer is NO, ..." style replies.
	for _, w := range words {
		if w == "NO" {
			return false
		}
	}
	return true
}
