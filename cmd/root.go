// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/service"
)

// contextKey avoids collisions with other packages' context values.
type contextKey string

// configKey stores the validated *config.Config.
const configKey contextKey = "config"

// cfgFile is bound to the persistent --config flag.
var cfgFile string

// Execute builds the command tree and runs it with the signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	// Flush logs on every exit path.
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Ctrl-C is not worth an error line.
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		observability.Sync()
		return err
	}
	observability.Sync()
	return nil
}

// NewRootCommand creates a pristine command tree wired to the production component factory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory(nil))
}

// newRootCommand lets tests swap in a fake factory.
func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "webpilot",
		Short:   "webpilot drives a browser through web tasks with a vision model.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Defaults first; file and env values override them.
			v := viper.New()
			config.SetDefaults(v)

			// 1. Initialize configuration loading
			if err := initializeConfig(v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Create the configuration object from viper.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// Fall back to a plain console logger so the error is still visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "webpilot"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// 3. Initialize the logger with the loaded config.
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting webpilot", zap.String("version", Version))

			// 4. Hand the validated config to subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "webpilot version %s\n" .Version}}`)

	// Subcommands
	rootCmd.AddCommand(newServeCmd(factory))
	rootCmd.AddCommand(newRunCmd(factory))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig(v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// WEBPILOT_LLM_API_KEY maps to llm.api_key, and so on.
	v.SetEnvPrefix("WEBPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Running without any config file is fine; defaults and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// An explicitly named file that is missing is still an error.
			if cfgFile != "" || !os.IsNotExist(err) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	return nil
}

// getConfigFromContext returns the config stored by the root PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in command context")
	}
	return cfg, nil
}
