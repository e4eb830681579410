package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/state"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <chain-id>",
	Short: "Show the status of a chain and its resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	chain, err := a.chains.GetChain(ctx, args[0])
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("chain %s not found", args[0])
	}
	if err != nil {
		return err
	}

	rec, err := a.backend.Resources.Get(ctx, chain.ResourceID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"chain": chain, "resource": rec})
	}

	fmt.Fprintf(out, "Chain %s\n", chain.ID)
	fmt.Fprintf(out, "  kind:     %s\n", chain.Kind)
	fmt.Fprintf(out, "  status:   %s%s%s\n", statusColor(string(chain.Status)), chain.Status, colorize(colorReset))
	fmt.Fprintf(out, "  step:     %d\n", chain.Step)
	if chain.Reason != "" {
		fmt.Fprintf(out, "  reason:   %s\n", chain.Reason)
	}
	fmt.Fprintf(out, "  created:  %s\n", chain.Created.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  updated:  %s\n", chain.Updated.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(out, "\nResource %s\n", chain.ResourceID)
	if rec == nil {
		fmt.Fprintln(out, "  (record removed)")
		return nil
	}
	renderRecord(out, rec)
	return nil
}
