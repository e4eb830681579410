package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	archiveSource string
	archiveReason string
)

var archiveCmd = &cobra.Command{
	Use:   "archive <archive-resource-id>",
	Short: "Start an archive chain into a storage resource",
	Long: `Queues a chain that copies the storage resource named by --source into
the given archive storage resource and records what was copied.`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&archiveSource, "source", "", "Storage resource to archive (required)")
	archiveCmd.Flags().StringVar(&archiveReason, "reason", "Cli", "Reason recorded on the chain")
	_ = archiveCmd.MarkFlagRequired("source")
}

func runArchive(cmd *cobra.Command, args []string) error {
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
	chainID, err := a.ops.StartArchive(ctx, id, archiveSource, archiveReason)

	audit(AuditEntry{Operation: "archive", ResourceID: id, ChainID: chainID, Reason: archiveReason}, err)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%sArchive chain started%s\n", colorize(colorGreen), colorize(colorReset))
	fmt.Fprintf(out, "  resource: %s\n  source:   %s\n  chain:    %s\n", id, archiveSource, chainID)
	warnEphemeral(cmd, cfg.Queue.Type)
	return nil
}
