// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

// Shutdown waits this long for in-flight runs, then for the browsers.
const (
	runDrainTimeout        = 2 * time.Minute
	browserShutdownTimeout = 30 * time.Second
)

// TaskRunner executes one prompt end to end.
type TaskRunner interface {
	Run(ctx context.Context, prompt string) schemas.RunResult
}

// Components holds every long-lived dependency of the agent service and owns
// their shutdown order.
type Components struct {
	Runner         TaskRunner
	BrowserManager schemas.BrowserManager
	// Store is nil when no database is configured.
	Store   schemas.RunStore
	DBPool  *pgxpool.Pool
	Metrics *observability.Metrics

	// inflight tracks runs started through Run so Shutdown can wait for them.
	inflight sync.WaitGroup
}

// Run executes a task and registers it as in flight for the duration.
func (c *Components) Run(ctx context.Context, prompt string) schemas.RunResult {
	c.inflight.Add(1)
	defer c.inflight.Done()
	return c.Runner.Run(ctx, prompt)
}

// Shutdown gracefully closes all components, ensuring resources are released in the correct order.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Let in-flight runs finish publishing and persisting.
	if !timedWait(&c.inflight, runDrainTimeout) {
		logger.Warn("Timed out waiting for in-flight runs; closing browsers underneath them.")
	} else {
		logger.Debug("No runs in flight.")
	}

	// 2. Shut down the browser manager.
	if c.BrowserManager != nil {
		// Separate context so shutdown completes even if the application context was canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
		defer cancel()

		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	// 3. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All agent components shut down successfully.")
}

// timedWait waits for wg up to timeout and reports whether it finished.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
