package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/model"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

// colorize returns code unless colors are disabled.
func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

func statusColor(status string) string {
	switch model.OperationState(status) {
	case model.StateSucceeded:
		return colorize(colorGreen)
	case model.StateFailed, model.StateCancelled:
		return colorize(colorRed)
	case model.StateInitialized, model.StateInProgress:
		return colorize(colorYellow)
	}
	return ""
}

// warnEphemeral tells the operator that a chain queued in memory dies with
// this process.
func warnEphemeral(cmd *cobra.Command, queueType string) {
	if queueType != "memory" && queueType != "" {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%sWarning:%s the queue is in memory; the chain will not run after this command exits.\n",
		colorize(colorYellow), colorize(colorReset))
}

// renderSnapshots prints one row per pool.
func renderSnapshots(w io.Writer, snaps []*model.PoolSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tVERSION\tTARGET\tUNASSIGNED\tREADY\tOLD\tASSIGNED\tFAILED\tENABLED")
	for _, s := range snaps {
		color := colorize(colorGreen)
		if !s.IsReadyAtTargetCount {
			color = colorize(colorYellow)
		}
		if !s.Enabled {
			color = ""
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%t%s\n",
			color, s.PoolCode, s.Version, s.TargetCount,
			s.UnassignedVersionCount, s.ReadyUnassignedVersionCount, s.UnassignedNotVersionCount,
			s.AssignedCount, s.FailedCount, s.Enabled, colorize(colorReset))
	}
	_ = tw.Flush()
}

// renderPoolPlan prints the change list for one pool plan.
func renderPoolPlan(w io.Writer, plan *broker.PoolPlan) {
	if !plan.HasChanges() {
		return
	}
	fmt.Fprintf(w, "\n  # pool %s (version %s)\n", plan.PoolCode, plan.Version)
	for _, c := range plan.Changes {
		symbol, color := "~", ""
		switch c.Action {
		case broker.ActionCreate:
			symbol, color = "+", colorize(colorGreen)
		case broker.ActionDelete:
			symbol, color = "-", colorize(colorRed)
		}
		target := c.ResourceID
		if target == "" {
			target = "(new resource)"
		}
		fmt.Fprintf(w, "%s  %s %s  %s%s\n", color, symbol, target, c.Reason, colorize(colorReset))
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(w io.Writer, plans []*broker.PoolPlan) {
	var sum broker.PlanSummary
	for _, p := range plans {
		sum.Create += p.Summary.Create
		sum.Delete += p.Summary.Delete
	}
	fmt.Fprintln(w, "\nPlan Summary:")
	fmt.Fprintf(w, "  Create:  %d\n", sum.Create)
	fmt.Fprintf(w, "  Delete:  %d\n", sum.Delete)
}

// renderRecord prints the interesting fields of a resource record.
func renderRecord(w io.Writer, r *model.ResourceRecord) {
	fmt.Fprintf(w, "  type:        %s\n", r.Type)
	fmt.Fprintf(w, "  sku:         %s\n", r.SkuName)
	fmt.Fprintf(w, "  location:    %s\n", r.Location)
	fmt.Fprintf(w, "  provider:    %s %s\n", r.Provider, r.ProviderID)
	if r.PoolCode != "" {
		fmt.Fprintf(w, "  pool:        %s @ %s\n", r.PoolCode, r.PoolVersion)
	}
	fmt.Fprintf(w, "  operation:   %s\n", r.Operation)
	fmt.Fprintf(w, "  ready:       %t\n", r.IsReady)
	fmt.Fprintf(w, "  assigned:    %t", r.IsAssigned)
	if r.EnvironmentID != "" {
		fmt.Fprintf(w, " (%s)", r.EnvironmentID)
	}
	fmt.Fprintln(w)

	blocks := map[string]model.OperationStatus{
		"provisioning": r.Provisioning,
		"starting":     r.Starting,
		"cleanup":      r.CleanUp,
		"deleting":     r.Deleting,
		"archiving":    r.Archiving,
	}
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := blocks[name]
		if st.Status == "" {
			continue
		}
		fmt.Fprintf(w, "  %-12s %s%s%s", name+":", statusColor(string(st.Status)), st.Status, colorize(colorReset))
		if st.Reason != "" {
			fmt.Fprintf(w, " (%s)", st.Reason)
		}
		fmt.Fprintln(w)
	}
	if a := r.Archive; a != nil {
		fmt.Fprintf(w, "  archive:     %s from %s", a.ObjectID, a.SourceResourceID)
		if !a.Completed.IsZero() {
			fmt.Fprintf(w, " at %s", a.Completed.Format(time.RFC3339))
		}
		fmt.Fprintln(w)
	}
}
