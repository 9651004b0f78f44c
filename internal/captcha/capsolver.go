// internal/captcha/capsolver.go
package captcha

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// json is a drop-in for encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrSolveFailed is returned when the service reports a failed task or
	// rejects the request.
	ErrSolveFailed = errors.New("captcha solve failed")
	// ErrSolveTimeout is returned when no token arrived within the solve timeout.
	ErrSolveTimeout = errors.New("captcha solve timed out")
)

const (
	defaultPollInterval = 2 * time.Second
	defaultSolveTimeout = 120 * time.Second
	// maxResponseBytes caps how much of a reply is read.
	maxResponseBytes = 1 << 20
)

// Task is a token request for one widget.
type Task struct {
	Kind       Kind
	WebsiteURL string
	WebsiteKey string
}

// Solver obtains a response token for a CAPTCHA widget.
type Solver interface {
	Solve(ctx context.Context, task Task) (string, error)
}

// -- Wire types --

// createTaskRequest starts a solve.
type createTaskRequest struct {
	ClientKey string      `json:"clientKey"`
	Task      taskPayload `json:"task"`
}

type taskPayload struct {
	// Type is the service's task name, e.g. AntiTurnstileTaskProxyLess.
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

// createTaskResponse carries either a task id or an error.
type createTaskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
}

// taskResultRequest polls a task.
type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    string `json:"taskId"`
}

type taskResultResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	// Status is "idle", "processing", "ready" or "failed".
	Status   string `json:"status"`
	Solution struct {
		Token              string `json:"token"`
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// token returns whichever solution field the task type fills: Turnstile uses
// token, reCAPTCHA and hCaptcha use gRecaptchaResponse.
func (r taskResultResponse) token() string {
	if r.Solution.Token != "" {
		return r.Solution.Token
	}
	return r.Solution.GRecaptchaResponse
}

// CapSolver talks to the CapSolver create-task/poll API.
type CapSolver struct {
	apiKey       string
	endpoint     string
	pollInterval time.Duration
	solveTimeout time.Duration
	httpClient   *http.Client
	logger       *zap.Logger
	// initialInterval is the first backoff delay when createTask is retried.
	initialInterval time.Duration
}

var _ Solver = (*CapSolver)(nil)

// NewCapSolver builds a client from the captcha configuration.
func NewCapSolver(cfg config.CaptchaConfig, logger *zap.Logger) *CapSolver {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	timeout := cfg.SolveTimeout
	if timeout <= 0 {
		timeout = defaultSolveTimeout
	}
	return &CapSolver{
		apiKey:          cfg.APIKey,
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		pollInterval:    poll,
		solveTimeout:    timeout,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          logger.Named("capsolver"),
		initialInterval: time.Second,
	}
}

// Solve creates a task and polls until it is ready, failed, or the solve
// timeout elapses.
func (c *CapSolver) Solve(ctx context.Context, task Task) (string, error) {
	taskType := task.Kind.TaskType()
	if taskType == "" {
		return "", fmt.Errorf("%w: unsupported captcha kind %q", ErrSolveFailed, task.Kind)
	}
	if task.WebsiteKey == "" {
		return "", fmt.Errorf("%w: missing website key", ErrSolveFailed)
	}

	// The solve timeout covers task creation and every poll.
	ctx, cancel := context.WithTimeout(ctx, c.solveTimeout)
	defer cancel()

	// 1. Register the task.
	taskID, err := c.createTask(ctx, taskPayload{
		Type:       taskType,
		WebsiteURL: task.WebsiteURL,
		WebsiteKey: task.WebsiteKey,
	})
	if err != nil {
		return "", c.deadlineErr(ctx, err)
	}
	c.logger.Info("CAPTCHA task created.", zap.String("task_id", taskID), zap.String("type", taskType))

	// 2. Poll until the workers report a result. The first poll waits one
	// interval; tasks are never ready immediately.
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", c.deadlineErr(ctx, ctx.Err())
		case <-ticker.C:
		}

		res, err := c.taskResult(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return "", c.deadlineErr(ctx, err)
			}
			// A single failed poll is not fatal; the task keeps running remotely.
			c.logger.Warn("Polling CAPTCHA task failed.", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if res.ErrorID != 0 {
			return "", fmt.Errorf("%w: %s: %s", ErrSolveFailed, res.ErrorCode, res.ErrorDescription)
		}
		// idle and processing mean keep waiting.
		switch res.Status {
		case "ready":
			token := res.token()
			if token == "" {
				return "", fmt.Errorf("%w: ready without a token", ErrSolveFailed)
			}
			c.logger.Info("CAPTCHA token received.", zap.String("task_id", taskID))
			return token, nil
		case "failed":
			return "", fmt.Errorf("%w: task %s failed: %s", ErrSolveFailed, taskID, res.ErrorDescription)
		}
	}
}

// deadlineErr maps the solve deadline to ErrSolveTimeout and leaves other
// errors alone.
func (c *CapSolver) deadlineErr(ctx context.Context, err error) error {
	// Only the solve deadline maps to ErrSolveTimeout; caller cancellation passes through.
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrSolveTimeout, c.solveTimeout)
	}
	return err
}

// createTask retries transport failures twice. Errors reported by the
// service itself are permanent.
func (c *CapSolver) createTask(ctx context.Context, task taskPayload) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 5 * time.Second

	var taskID string
	operation := func() error {
		var res createTaskResponse
		if err := c.post(ctx, "/createTask", createTaskRequest{ClientKey: c.apiKey, Task: task}, &res); err != nil {
			return err
		}
		// The service answered; retrying will not change its mind.
		if res.ErrorID != 0 {
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrSolveFailed, res.ErrorCode, res.ErrorDescription))
		}
		if res.TaskID == "" {
			return backoff.Permanent(fmt.Errorf("%w: no task id returned", ErrSolveFailed))
		}
		taskID = res.TaskID
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), 2)); err != nil {
		return "", err
	}
	return taskID, nil
}

// taskResult fetches the current state of a task once.
func (c *CapSolver) taskResult(ctx context.Context, taskID string) (taskResultResponse, error) {
	var res taskResultResponse
	err := c.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.apiKey, TaskID: taskID}, &res)
	return res, err
}

// post sends body as JSON and decodes the reply into out. 4xx replies other
// than 429 are permanent.
func (c *CapSolver) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A cancelled context is final; other transport errors are retried.
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("capsolver %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("capsolver %s: reading body: %w", path, err)
	}
	// Server errors and rate limits are worth retrying.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("capsolver %s: status %d", path, resp.StatusCode)
	}
	// CapSolver reports task errors with 400 and a JSON body, so those are
	// decoded like a success.
	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("capsolver %s: status %d: %w", path, resp.StatusCode, err))
	}
	return nil
}
