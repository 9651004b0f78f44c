// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/captcha"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// InitializeVisionClient creates the vision model client from configuration.
func InitializeVisionClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Metrics) (schemas.VisionClient, error) {
	client, err := llmclient.NewClient(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize vision client. Runs cannot make decisions.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize vision client: %w", err)
	}
	return client, nil
}

// InitializeCaptchaSolver returns the paid solver, or nil when no API key is
// configured. The resolver then stops at the free strategies.
func InitializeCaptchaSolver(cfg config.CaptchaConfig, logger *zap.Logger) captcha.Solver {
	if !cfg.Configured() {
		logger.Warn("No CAPTCHA solver API key configured; only checkbox and grid strategies are available.")
		return nil
	}
	logger.Info("CAPTCHA solver configured.", zap.String("endpoint", cfg.Endpoint))
	return captcha.NewCapSolver(cfg, logger)
}

// InitializeStore connects to PostgreSQL and prepares the run history tables.
// It returns a nil store and pool when no database URL is configured.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Info("No database configured; run history is disabled.")
		return nil, nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// A handful of connections is plenty; each run writes once at the end.
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	// store.New pings the database, so a bad URL fails here at startup.
	runStore, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize run store: %w", err)
	}
	// Tables are created if missing.
	if err := runStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Run history store initialized.")
	return runStore, pool, nil
}
