// File: cmd/run.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
)

// errRunUnsuccessful makes the process exit non-zero when a run does not succeed.
var errRunUnsuccessful = errors.New("run did not succeed")

// newRunCmd builds the 'run' command, which executes one task in-process.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	// Flag targets.
	var (
		maxSteps   int
		headed     bool
		noHumanoid bool
	)

	runCmd := &cobra.Command{
		Use:   `run "<task>"`,
		Short: "Runs a single task and prints the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			// Apply flag overrides to the loaded config.
			if maxSteps > 0 {
				cfg.SetAgentMaxSteps(maxSteps)
			}
			// A visible window is handy when debugging a task.
			if headed {
				cfg.SetBrowserHeadless(false)
			}
			if noHumanoid {
				cfg.SetBrowserHumanoidEnabled(false)
			}

			// Unquoted tasks arrive as several args.
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("task must not be empty")
			}

			if err := os.MkdirAll(cfg.Artifact().ScansDir, 0o755); err != nil {
				return fmt.Errorf("failed to create scans directory: %w", err)
			}

			// Build the same components the server uses.
			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize agent components: %w", err)
			}
			defer components.Shutdown()

			// Run never returns an error; the outcome is in the result.
			result := components.Run(ctx, prompt)

			// The JSON result goes to stdout, logs go elsewhere.
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			// Scripts can rely on the exit code.
			if result.Status != schemas.RunStatusSuccess {
				logger.Warn("Run finished without success.", zap.String("status", string(result.Status)))
				return errRunUnsuccessful
			}
			return nil
		},
	}

	// Flags
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step limit for this run (overrides agent.max_steps)")
	runCmd.Flags().BoolVar(&headed, "headed", false, "Show the browser window")
	runCmd.Flags().BoolVar(&noHumanoid, "no-humanoid", false, "Disable humanized mouse and keyboard timing")
	return runCmd
}
