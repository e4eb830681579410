package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	deleteRecordOnly bool
	deleteReason     string
)

var deleteCmd = &cobra.Command{
	Use:   "delete <resource-id>",
	Short: "Start a delete chain for one resource",
	Long: `Queues a delete chain that removes the resource at its provider and
then its record. With --record-only the provider is not called.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteRecordOnly, "record-only", false, "Remove only the record")
	deleteCmd.Flags().StringVar(&deleteReason, "reason", "Cli", "Reason recorded on the chain")
}

func runDelete(cmd *cobra.Command, args []string) error {
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

	id := args[0]
	var chainID string
	if deleteRecordOnly {
		chainID, err = a.ops.DeleteRecord(ctx, id, deleteReason)
	} else {
		chainID, err = a.ops.DeleteResource(ctx, id, deleteReason)
	}

	audit(AuditEntry{Operation: "delete", ResourceID: id, ChainID: chainID, Reason: deleteReason}, err)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%sDelete chain started%s\n", colorize(colorRed), colorize(colorReset))
	fmt.Fprintf(out, "  resource: %s\n  chain:    %s\n", id, chainID)
	warnEphemeral(cmd, cfg.Queue.Type)
	return nil
}
