package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
)

// PoolStateTask writes a snapshot of every pool to the snapshot sinks and
// deletes unassigned resources of pools that no longer have a definition.
type PoolStateTask struct {
	env *Env
}

func NewPoolStateTask(env *Env) *PoolStateTask {
	env.init()
	return &PoolStateTask{env: env}
}

func (t *PoolStateTask) Name() string { return "pool-state" }

func (t *PoolStateTask) Run(ctx context.Context) error {
	_, err := t.Snapshots(ctx)
	return err
}

// Snapshots runs one pass and returns the snapshots it wrote, ordered by
// pool code.
func (t *PoolStateTask) Snapshots(ctx context.Context) ([]*model.PoolSnapshot, error) {
	var (
		errs  []error
		snaps []*model.PoolSnapshot
		known = make(map[string]bool)
	)

	for _, def := range t.env.definitions() {
		known[def.EffectiveCode()] = true

		records, err := t.env.Repo.List(ctx, state.Filter{PoolCode: def.EffectiveCode(), Deleted: state.Bool(false)})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list pool %s: %w", def.EffectiveCode(), err))
			continue
		}
		snap := Snapshot(&def, records, t.env.now().UTC())
		snaps = append(snaps, snap)
		for _, sink := range t.env.Sinks {
			if err := sink.PutSnapshot(ctx, snap); err != nil {
				errs = append(errs, fmt.Errorf("failed to write snapshot for %s: %w", snap.PoolCode, err))
			}
		}
	}

	if err := t.deleteOrphanedPools(ctx, known); err != nil {
		errs = append(errs, err)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PoolCode < snaps[j].PoolCode })
	return snaps, errors.Join(errs...)
}

func (t *PoolStateTask) deleteOrphanedPools(ctx context.Context, known map[string]bool) error {
	codes, err := state.PoolCodes(ctx, t.env.Repo)
	if err != nil {
		return fmt.Errorf("failed to list pool codes: %w", err)
	}

	var errs []error
	for _, code := range codes {
		if known[code] {
			continue
		}
		f := state.Unassigned(code)
		f.Limit = t.env.Config.OrphanPoolBatch
		records, err := t.env.Repo.List(ctx, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.env.Logger.Info("orphaned_pool_detected", "pool_code", code, "count", len(records))
		for _, r := range records {
			if _, err := t.env.Pools.Drain(ctx, r.ID, broker.ReasonOrphanedPoolResource); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Snapshot summarizes the live records of one pool.
func Snapshot(def *model.PoolDefinition, records []*model.ResourceRecord, now time.Time) *model.PoolSnapshot {
	version := def.EffectiveVersion()
	s := &model.PoolSnapshot{
		PoolCode:    def.EffectiveCode(),
		Version:     version,
		TargetCount: def.TargetCount,
		Enabled:     def.Enabled,
		Updated:     now,
	}
	for _, r := range records {
		if r.IsDeleted {
			continue
		}
		if hasFailed(r) {
			s.FailedCount++
		}
		if r.IsAssigned {
			s.AssignedCount++
			continue
		}
		if r.IsDeleting() {
			continue
		}
		current := r.PoolVersion == version
		s.UnassignedCount++
		if current {
			s.UnassignedVersionCount++
		} else {
			s.UnassignedNotVersionCount++
		}
		if r.IsReady {
			s.ReadyUnassignedCount++
			if current {
				s.ReadyUnassignedVersionCount++
			}
		}
	}
	s.IsAtTargetCount = s.UnassignedVersionCount >= def.TargetCount
	s.IsReadyAtTargetCount = s.ReadyUnassignedVersionCount >= def.TargetCount
	return s
}

func hasFailed(r *model.ResourceRecord) bool {
	for _, st := range []model.OperationState{r.Provisioning.Status, r.Starting.Status, r.CleanUp.Status, r.Deleting.Status} {
		if st.IsFailure() {
			return true
		}
	}
	return false
}
