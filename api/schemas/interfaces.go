package schemas

import "context"

// -- Core Service Interfaces --

// VisionClient sends a prompt, optionally with a screenshot, to a vision model
// and returns its raw text answer.
type VisionClient interface {
	Analyze(ctx context.Context, req VisionRequest) (string, error)
}

// BrowserManager launches one isolated browser per run.
type BrowserManager interface {
	NewSession(ctx context.Context, runID string) (BrowserSession, error)
	Shutdown(ctx context.Context) error
}

// ArtifactPublisher turns the ordered frames in dir into a video and returns
// its public URL. It returns "" when there is nothing to publish.
type ArtifactPublisher interface {
	Publish(ctx context.Context, dir, sessionID string) (string, error)
}

// RunStore persists run history.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
}
