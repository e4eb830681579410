package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/internal/watch"
)

var (
	poolsPlan bool
	poolsJSON bool
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Show the state of every pool",
	Long: `Reads the store and prints one snapshot per configured pool. With
--plan it also shows the creates and deletes the next pool-size pass would
start. Nothing is changed.`,
	Args: cobra.NoArgs,
	RunE: runPools,
}

func init() {
	poolsCmd.Flags().BoolVar(&poolsPlan, "plan", false, "Show the pending pool-size changes")
	poolsCmd.Flags().BoolVar(&poolsJSON, "json", false, "Print as JSON")
}

func runPools(cmd *cobra.Command, args []string) error {
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

	now := time.Now().UTC()
	var (
		snaps []*model.PoolSnapshot
		plans []*broker.PoolPlan
	)
	for _, def := range a.pools.Definitions() {
		records, err := a.backend.Resources.List(ctx, state.Filter{PoolCode: def.EffectiveCode(), Deleted: state.Bool(false)})
		if err != nil {
			return err
		}
		snaps = append(snaps, watch.Snapshot(&def, records, now))

		if poolsPlan {
			plan, err := a.manager.Plan(ctx, &def)
			if err != nil {
				return err
			}
			plans = append(plans, plan)
		}
	}

	out := cmd.OutOrStdout()
	if poolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"pools": snaps, "plans": plans})
	}

	if len(snaps) == 0 {
		fmt.Fprintln(out, "No pools configured.")
		return nil
	}
	renderSnapshots(out, snaps)
	for _, p := range plans {
		renderPoolPlan(out, p)
	}
	if poolsPlan {
		renderPlanSummary(out, plans)
	}
	return nil
}
