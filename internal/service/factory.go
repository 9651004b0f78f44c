// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/artifact"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// ComponentFactory creates the set of components a run needs. Commands depend
// on this interface so their logic can be tested without a browser.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	metrics *observability.Metrics
}

// NewComponentFactory creates a new production-ready component factory.
// metrics may be nil, in which case the default registry is used.
func NewComponentFactory(metrics *observability.Metrics) ComponentFactory {
	return &concreteFactory{metrics: metrics}
}

// Create handles the dependency injection and initialization of the agent.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	metrics := f.metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	components := &Components{Metrics: metrics}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Vision model
	vision, err := InitializeVisionClient(ctx, cfg.LLM(), logger, metrics)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	logger.Debug("Vision client initialized.", zap.String("model", cfg.LLM().Model))

	// 2. Run history (optional)
	runStore, pool, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.DBPool = pool
	// Keep the interface nil, not a typed nil, when history is disabled.
	var history schemas.RunStore
	if runStore != nil {
		history = runStore
	}
	components.Store = history

	// 3. Browser Manager
	browserManager := browser.NewManager(cfg, logger)
	components.BrowserManager = browserManager
	logger.Debug("Browser manager initialized.")

	// 4. CAPTCHA solver (optional)
	solver := InitializeCaptchaSolver(cfg.Captcha(), logger)

	// 5. Video publisher
	publisher, err := artifact.NewPublisherFromConfig(cfg.Artifact(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize video publisher: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Video publisher initialized.")

	// 6. Runner
	components.Runner = agent.NewRunner(cfg, browserManager, vision, solver, publisher, history, logger, metrics)

	logger.Info("All agent components initialized successfully.")
	return components, nil
}
