package watch

import (
	"context"
	"errors"
	"fmt"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/state"
)

// PoolSizeTask creates and deletes unassigned resources until every pool
// sits at its target count.
type PoolSizeTask struct {
	env *Env
}

func NewPoolSizeTask(env *Env) *PoolSizeTask {
	env.init()
	return &PoolSizeTask{env: env}
}

func (t *PoolSizeTask) Name() string { return "pool-size" }

func (t *PoolSizeTask) Run(ctx context.Context) error {
	var errs []error
	for _, def := range t.env.definitions() {
		plan, err := t.env.Pools.Plan(ctx, &def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !plan.HasChanges() {
			continue
		}
		t.env.Logger.Info("pool_size_changes",
			"pool_code", plan.PoolCode,
			"target", def.TargetCount,
			"create", plan.Summary.Create,
			"delete", plan.Summary.Delete,
			"enabled", def.Enabled,
		)
		if err := t.env.Pools.Apply(ctx, &def, plan); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", plan.PoolCode, err))
		}
	}
	return errors.Join(errs...)
}

// PoolVersionTask retires unassigned resources built from an older version
// of their pool definition.
type PoolVersionTask struct {
	env *Env
}

func NewPoolVersionTask(env *Env) *PoolVersionTask {
	env.init()
	return &PoolVersionTask{env: env}
}

func (t *PoolVersionTask) Name() string { return "pool-version" }

func (t *PoolVersionTask) Run(ctx context.Context) error {
	var errs []error
	for _, def := range t.env.definitions() {
		f := state.Unassigned(def.EffectiveCode())
		f.NotPoolVersion = def.EffectiveVersion()
		f.Limit = def.DeleteBatch()

		stale, err := t.env.Repo.List(ctx, f)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list pool %s: %w", def.EffectiveCode(), err))
			continue
		}
		for _, r := range stale {
			t.env.Logger.Info("pool_version_retire",
				"pool_code", def.EffectiveCode(),
				"resource_id", r.ID,
				"resource_version", r.PoolVersion,
				"pool_version", def.EffectiveVersion(),
			)
			if _, err := t.env.Pools.Drain(ctx, r.ID, broker.ReasonWatchPoolVersion); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
