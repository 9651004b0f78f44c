package schemas

import "time"

// RunStatus is the terminal status reported to callers.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusError   RunStatus = "error"
)

// AgentRequest is the inbound body of a run request.
type AgentRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// RunResult is the outward shape of a finished run.
type RunResult struct {
	Status   RunStatus `json:"status"`
	Result   string    `json:"result"`
	VideoURL string    `json:"video_url"`
	RunID    string    `json:"run_id,omitempty"`
}

// ActionKind names the three things the agent can decide to do.
type ActionKind string

const (
	ActionClick ActionKind = "click"
	ActionType  ActionKind = "type"
	ActionDone  ActionKind = "done"
)

// StepRecord is the persisted trace of one executed decision.
type StepRecord struct {
	Index     int        `json:"index"`
	Action    ActionKind `json:"action"`
	Label     string     `json:"label,omitempty"`
	Text      string     `json:"text,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Succeeded bool       `json:"succeeded"`
	URL       string     `json:"url,omitempty"`
	At        time.Time  `json:"at"`
}

// RunRecord is the persisted history of one run.
type RunRecord struct {
	ID         string       `json:"id"`
	Prompt     string       `json:"prompt"`
	StartURL   string       `json:"start_url"`
	Status     RunStatus    `json:"status"`
	Result     string       `json:"result"`
	VideoURL   string       `json:"video_url"`
	StepsTaken int          `json:"steps_taken"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepRecord `json:"steps,omitempty"`
}

// VisionRequest is one call to the vision model. A nil Image makes it a
// text-only call.
type VisionRequest struct {
	// Purpose labels the call for logging and metrics (decide, verify, blocker, ...).
	Purpose         string
	SystemPrompt    string
	Prompt          string
	Image           []byte
	MaxOutputTokens int
	// JSON asks the model for an application/json response.
	JSON bool
}
