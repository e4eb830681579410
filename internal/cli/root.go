package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/config"
	"github.com/picklr-io/broker/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	noColor    bool
	auditLog   string
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Pooled cloud resource broker",
	Long: `Broker keeps warm pools of cloud resources and drives every resource
operation as a chain of short, resumable steps on a durable queue.

It provides:
  • Create, delete, start, cleanup and archive chains that survive restarts
  • Pools kept at their target size by background watch tasks
  • Cleanup of failed and orphaned resources`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "broker.yaml", "Configuration file (.pkl, .yaml, .toml or .json)")
	pf.StringVar(&logLevel, "log-level", "", "Log level, overriding the configuration")
	pf.StringVar(&logFormat, "log-format", "", "Log format (text or json), overriding the configuration")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&auditLog, "audit-log", "", "Append operator actions to this file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(poolsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration file and sets up logging from it.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logging.InitWithFormat(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
