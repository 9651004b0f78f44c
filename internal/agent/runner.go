// internal/agent/runner.go
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/artifact"
	"github.com/xkilldash9x/webpilot/internal/captcha"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

const (
	// finalizeTimeout covers encoding, upload and the history write.
	finalizeTimeout  = 2 * time.Minute
	closeTimeout     = 15 * time.Second
	initialNavSettle = 3 * time.Second
)

// Runner owns the lifecycle of a run: browser, frames, loop, video and history.
type Runner struct {
	cfg       config.Interface
	browsers  schemas.BrowserManager
	vision    schemas.VisionClient
	solver    captcha.Solver
	publisher schemas.ArtifactPublisher
	store     schemas.RunStore
	logger    *zap.Logger
	metrics   *observability.Metrics
	// now is replaced in tests.
	now func() time.Time
	// sleep is handed to the loop components for their pauses.
	sleep func(context.Context, time.Duration) error
}

// NewRunner creates a Runner. solver and store may be nil.
func NewRunner(
	cfg config.Interface,
	browsers schemas.BrowserManager,
	vision schemas.VisionClient,
	solver captcha.Solver,
	publisher schemas.ArtifactPublisher,
	store schemas.RunStore,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Runner {
	return &Runner{
		cfg:       cfg,
		browsers:  browsers,
		vision:    vision,
		solver:    solver,
		publisher: publisher,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run executes one task end to end. It always returns a result; failures are
// reported through Status and Result.
func (r *Runner) Run(ctx context.Context, prompt string) schemas.RunResult {
	runID := uuid.NewString()
	// The short id names the frame directory and the uploaded video.
	sessionID := runID[:8]
	logger := observability.ForRun(r.logger, runID)
	started := r.now()

	r.metrics.RunStarted()
	logger.Info("Starting task.", zap.String("prompt", prompt))

	// 1. Work out where to start and what the loop should aim for.
	agentCfg := r.cfg.Agent()
	engine := NewDecisionEngine(r.vision, agentCfg.MaxSteps, logger)
	task, startURL := NewRouter(engine, agentCfg.DefaultStartURL, logger).Plan(ctx, prompt)

	record := &schemas.RunRecord{ID: runID, Prompt: prompt, StartURL: startURL, StartedAt: started.UTC()}

	// 2. Frames go to a fresh directory per run.
	frames, err := artifact.NewFrameStore(r.cfg.Artifact().ScansDir, sessionID, started)
	if err != nil {
		return r.finish(ctx, logger, record, nil, sessionID, Outcome{
			Status:  schemas.RunStatusError,
			Message: fmt.Sprintf("System Error: %v", err),
		})
	}

	// 3. Run the loop, then publish and record whatever happened.
	outcome := r.drive(ctx, logger, runID, task, startURL, engine, frames)
	return r.finish(ctx, logger, record, frames, sessionID, outcome)
}

// drive opens the browser, runs the loop and always closes the browser.
func (r *Runner) drive(ctx context.Context, logger *zap.Logger, runID string, task Task, startURL string, engine *DecisionEngine, frames *artifact.FrameStore) Outcome {
	session, err := r.browsers.NewSession(ctx, runID)
	if err != nil {
		return Outcome{Status: schemas.RunStatusError, Message: fmt.Sprintf("System Error: %v: %v", ErrBrowserUnavailable, err)}
	}
	// Close must run even when the caller has gone away.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("Failed to close browser session.", zap.Error(err))
		}
	}()

	if err := session.Navigate(ctx, startURL); err != nil {
		return Outcome{Status: schemas.RunStatusError, Message: fmt.Sprintf("System Error: navigation to %s failed: %v", startURL, err)}
	}
	// A page that never settles is still worth a first screenshot.
	_ = session.Settle(ctx, initialNavSettle)

	agentCfg := r.cfg.Agent()
	captchaCfg := r.cfg.Captcha()
	// The grid solver is optional; the resolver skips that rung when nil.
	var grid *captcha.GridSolver
	if captchaCfg.VisionGrid {
		grid = captcha.NewGridSolver(r.vision, captchaCfg.MaxGridRounds, captchaCfg.ChallengeWait, logger)
	}
	resolver := captcha.NewResolver(captchaCfg, r.solver, grid, logger, r.metrics)

	blockers := NewBlockerDetector(r.vision, logger, r.metrics)
	blockers.sleep = r.sleep
	exec := NewExecutor(session, agentCfg, logger)
	exec.sleep = r.sleep

	orch := NewOrchestrator(session, resolver, blockers, engine, exec, frames, agentCfg, logger, r.metrics)
	orch.sleep = r.sleep
	return orch.Run(ctx, task)
}

// finish publishes the video, stores history and records metrics. It runs on a
// context detached from the request so a cancelled caller still gets cleanup.
func (r *Runner) finish(ctx context.Context, logger *zap.Logger, record *schemas.RunRecord, frames *artifact.FrameStore, sessionID string, outcome Outcome) schemas.RunResult {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var videoURL string
	if frames != nil {
		logger.Info("Generating video proof.", zap.Int("frames", frames.Count()))
		u, err := r.publisher.Publish(fctx, frames.Dir(), sessionID)
		if err != nil {
			// The run result stands without a video.
			logger.Warn("Video publication failed.", zap.Error(err))
		}
		videoURL = u
	}

	// Duration includes publication.
	finished := r.now()
	r.metrics.RunFinished(string(outcome.Status), finished.Sub(record.StartedAt))

	// The record is filled only now, so history never shows a run half done.
	record.Status = outcome.Status
	record.Result = outcome.Message
	record.VideoURL = videoURL
	record.StepsTaken = outcome.StepsTaken
	record.Steps = outcome.Steps
	record.FinishedAt = finished.UTC()
	// History is optional and its failure does not change the result.
	if r.store != nil {
		if err := r.store.SaveRun(fctx, record); err != nil {
			logger.Error("Failed to persist run history.", zap.Error(err))
		}
	}

	logger.Info("Task finished.",
		zap.String("status", string(outcome.Status)),
		zap.String("video_url", videoURL),
	)
	return schemas.RunResult{
		Status:   outcome.Status,
		Result:   outcome.Message,
		VideoURL: videoURL,
		RunID:    record.ID,
	}
}
