package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Loads the configuration file, applies defaults and environment
overrides, and reports every problem found.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking %s... ", configPath)

	cfg, err := config.Parse(cmd.Context(), configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(out, colorize(colorRed)+"FAILED"+colorize(colorReset))
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintf(out, "  - %v\n", e)
			}
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintln(out, colorize(colorGreen)+"OK"+colorize(colorReset))

	mode := "development"
	if cfg.Production {
		mode = "production"
	}
	fmt.Fprintf(out, "\nConfiguration is valid (%s mode, queue=%s, store=%s, %d pools).\n",
		mode, cfg.Queue.Type, cfg.Store.Type, len(cfg.Pools))
	return nil
}
