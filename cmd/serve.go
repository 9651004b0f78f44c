// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/server"
	"github.com/xkilldash9x/webpilot/internal/service"
)

// newServeCmd builds the 'serve' command, which exposes runs over HTTP.
func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	// Flag targets.
	var (
		addr          string
		maxConcurrent int
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the agent over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Flags only override config when set explicitly.
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ServerCfg.Addr = addr
			}
			if cmd.Flags().Changed("max-concurrent") {
				// Zero would block every request forever.
				if maxConcurrent <= 0 {
					return fmt.Errorf("--max-concurrent must be positive")
				}
				cfg.ServerCfg.MaxConcurrentRuns = maxConcurrent
			}

			// Frames and videos are written under the scans directory, which
			// is also served read-only.
			if err := os.MkdirAll(cfg.Artifact().ScansDir, 0o755); err != nil {
				return fmt.Errorf("failed to create scans directory: %w", err)
			}

			// Browser pool, model client, solver and store are shared by every request.
			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize agent components: %w", err)
			}
			defer components.Shutdown()

			srv := server.New(cfg, components, components.Store, prometheus.DefaultGatherer, logger)

			// The root context is cancelled on SIGINT/SIGTERM; Run then drains.
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx)
			})
			// Log once the shutdown signal arrives.
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutdown requested, draining.")
				return nil
			})

			// A cancelled context is a normal shutdown.
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Server stopped with error.", zap.Error(err))
				return err
			}
			return nil
		},
	}

	// Flags
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Maximum simultaneous runs (overrides server.max_concurrent_runs)")
	return serveCmd
}
