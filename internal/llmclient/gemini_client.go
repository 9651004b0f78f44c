// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// generateFunc is the single SDK call the client depends on.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiClient implements schemas.VisionClient on top of the Gemini API.
type GeminiClient struct {
	cfg      config.LLMConfig
	generate generateFunc
	// limiter spaces calls across every run sharing the client.
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *observability.Metrics
	// initialInterval is the first backoff delay between retries.
	initialInterval time.Duration
}

// NewGeminiClient initializes the client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiClient(cfg, client.Models.GenerateContent, logger, metrics), nil
}

// newGeminiClient wires a client around any generate function; tests pass a fake.
func newGeminiClient(cfg config.LLMConfig, generate generateFunc, logger *zap.Logger, metrics *observability.Metrics) *GeminiClient {
	// No configured rate means no limit.
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &GeminiClient{
		cfg:             cfg,
		generate:        generate,
		initialInterval: time.Second,
		limiter:         rate.NewLimiter(limit, 1),
		logger:          logger.Named("llm_client.gemini"),
		metrics:         metrics,
	}
}

// Analyze sends the prompt (and the screenshot, when present) to the model and
// returns its text. Quota and server errors are retried with backoff.
func (c *GeminiClient) Analyze(ctx context.Context, req schemas.VisionRequest) (string, error) {
	contents := c.buildContents(req)
	genCfg := c.buildConfig(req)

	// Retries stop once MaxRetryElapsed has passed since the first attempt.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.cfg.MaxRetryElapsed

	var text string
	operation := func() error {
		// 1. Respect the shared rate limit.
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		// 2. Bound the single call, not the whole retry loop.
		callCtx := ctx
		if c.cfg.APITimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
			defer cancel()
		}

		// 3. Call the model.
		start := time.Now()
		resp, err := c.generate(callCtx, c.cfg.Model, contents, genCfg)
		if err != nil {
			return c.classifyError(ctx, err)
		}
		// Safety blocks return no candidates; retrying will not change that.
		if len(resp.Candidates) == 0 {
			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				return backoff.Permanent(fmt.Errorf("gemini blocked the request (Reason: %s)", resp.PromptFeedback.BlockReason))
			}
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		// 4. Keep the text and log usage.
		text = resp.Text()
		fields := []zap.Field{
			zap.String("purpose", req.Purpose),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("with_image", len(req.Image) > 0),
		}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Debug("LLM generation complete (Gemini)", fields...)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	// One observation per Analyze, however many attempts it took.
	c.metrics.ObserveModelCall(req.Purpose, err)
	if err != nil {
		return "", err
	}
	return text, nil
}

// buildContents puts the image before the text, which is the order Gemini
// recommends for single-image prompts.
func (c *GeminiClient) buildContents(req schemas.VisionRequest) []*genai.Content {
	parts := make([]*genai.Part, 0, 2)
	if len(req.Image) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

// buildConfig maps the request options onto the generation config.
func (c *GeminiClient) buildConfig(req schemas.VisionRequest) *genai.GenerateContentConfig {
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.cfg.Temperature),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	// A negative budget leaves thinking at the model default.
	if c.cfg.ThinkingBudget >= 0 {
		genCfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(int32(c.cfg.ThinkingBudget))}
	}
	return genCfg
}

// classifyError keeps quota and server errors retryable and makes everything
// else permanent.
func (c *GeminiClient) classifyError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	code := apiErrorCode(err)
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.Warn("Transient Gemini error, retrying...", zap.Int("status", code), zap.Error(err))
		return err
	case 0:
		// No HTTP status: only a per-call timeout is worth another try.
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Gemini call timed out, retrying...")
			return err
		}
	}
	c.logger.Error("Gemini API returned error", zap.Int("status", code), zap.Error(err))
	return backoff.Permanent(err)
}

// apiErrorCode extracts the HTTP status from a genai error, whether it was
// returned by value or by pointer.
func apiErrorCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
