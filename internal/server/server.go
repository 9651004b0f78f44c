// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// Runner executes one prompt end to end.
type Runner interface {
	Run(ctx context.Context, prompt string) schemas.RunResult
}

// Server exposes the agent over HTTP.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	runner     Runner
	// history is nil when run history is disabled.
	history schemas.RunStore
	// slots bounds concurrent runs; every run owns a Chrome process.
	slots     *semaphore.Weighted
	cfg       config.ServerConfig
	logger    *zap.Logger
	startTime time.Time
}

// New builds the server and its routes. gatherer backs /metrics when metrics
// are enabled; nil means the default registry.
func New(cfg config.Interface, runner Runner, history schemas.RunStore, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	srvCfg := cfg.Server()
	slots := srvCfg.MaxConcurrentRuns
	if slots <= 0 {
		slots = 1
	}

	// Middleware order: recover panics, log, then CORS.
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger.Named("http")))
	engine.Use(cors.New(corsConfig(srvCfg.CORSOrigins)))

	s := &Server{
		engine:    engine,
		runner:    runner,
		history:   history,
		slots:     semaphore.NewWeighted(int64(slots)),
		cfg:       srvCfg,
		logger:    logger.Named("server"),
		startTime: time.Now(),
	}
	// Only the header read is bounded; a run keeps its request open for
	// minutes.
	s.httpServer = &http.Server{
		Addr:              srvCfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes(cfg.Artifact().ScansDir, cfg.Metrics(), gatherer)
	return s
}

// corsConfig allows every origin for an empty list or a lone "*".
func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	return c
}

// setupRoutes registers the agent API, health, static frames and metrics.
func (s *Server) setupRoutes(scansDir string, metrics config.MetricsConfig, gatherer prometheus.Gatherer) {
	agentGroup := s.engine.Group("/agent")
	{
		agentGroup.POST("/run", s.handleRun)
		agentGroup.GET("/runs/:id", s.handleGetRun)
	}

	s.engine.GET("/healthz", s.handleHealth)
	// Locally published videos are served from here.
	s.engine.Static("/scans", scansDir)

	if metrics.Enabled {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		path := metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.engine.GET(path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the routed engine, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	// errCh is closed without a value when the server stops cleanly.
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening.", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Give in-flight runs time to finish and publish.
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// ctx is already done; shut down on a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server.")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// handleRun executes one task synchronously. The run outcome is in the body;
// only transport-level problems change the status code.
func (s *Server) handleRun(c *gin.Context) {
	var req schemas.AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be {\"prompt\": \"...\"}"})
		return
	}

	// Wait for a slot for as long as the client is willing to wait.
	ctx := c.Request.Context()
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.logger.Warn("No run slot became available.", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "all run slots are busy"})
		return
	}
	defer s.slots.Release(1)

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	// Failed runs are still 200: the status lives in the body.
	result := s.runner.Run(ctx, req.Prompt)
	c.JSON(http.StatusOK, result)
}

// handleGetRun returns a stored run with its steps.
func (s *Server) handleGetRun(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
		return
	}
	run, err := s.history.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		s.logger.Error("Failed to load run.", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleHealth reports liveness only; it does not check Chrome or the database.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// requestLogger logs one line per request at a level matching the response.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// Run the rest of the chain first so the status is known.
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		// Successful requests stay at debug to keep polling quiet.
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("Request failed.", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("Request rejected.", fields...)
		default:
			logger.Debug("Request served.", fields...)
		}
	}
}
