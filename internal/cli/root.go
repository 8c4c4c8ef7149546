package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/relationaldba/provisiond/internal/config"
	"github.com/relationaldba/provisiond/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// cfg is loaded before any command that needs it runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "provisiond",
	Short: "Provision application deployments on cloud infrastructure",
	Long: `provisiond turns deployment records into running application hosts.

For each deployment it synthesizes an infrastructure stack, applies it,
installs the application over SSH and keeps the deployment status current.
Workflows run inline from the CLI or are queued for a worker.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx, which commands observe
// for cancellation.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml or .pkl)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	loaded, err := config.LoadContext(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if logFormat != "" {
		loaded.LogFormat = logFormat
	}
	cfg = loaded

	logging.InitWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if cfg.LoadedFrom() != "" {
		logging.Debug("configuration loaded", "path", cfg.LoadedFrom())
	}
	return nil
}
