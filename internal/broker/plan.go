package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
)

// ChangeAction is what a pool plan does to one resource.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionDelete ChangeAction = "delete"
)

// PoolChange is one planned change.
type PoolChange struct {
	Action     ChangeAction `json:"action"`
	ResourceID string       `json:"resource_id,omitempty"`
	Reason     string       `json:"reason"`
}

// PlanSummary counts the changes in a plan.
type PlanSummary struct {
	Create int `json:"create"`
	Delete int `json:"delete"`
}

// PoolPlan is the set of changes that moves a pool toward its target.
type PoolPlan struct {
	PoolCode string        `json:"pool_code"`
	Version  string        `json:"version"`
	Changes  []*PoolChange `json:"changes"`
	Summary  PlanSummary   `json:"summary"`
}

// HasChanges reports whether applying the plan would do anything.
func (p *PoolPlan) HasChanges() bool {
	return len(p.Changes) > 0
}

func (p *PoolPlan) add(c *PoolChange) {
	p.Changes = append(p.Changes, c)
	switch c.Action {
	case ActionCreate:
		p.Summary.Create++
	case ActionDelete:
		p.Summary.Delete++
	}
}

// PlanPool works out the creates and deletes that bring the unassigned
// members of a pool to its target count, at most one batch of each. Records
// already being deleted must not be passed in. A disabled pool is drained.
func PlanPool(def *model.PoolDefinition, unassigned []*model.ResourceRecord) *PoolPlan {
	plan := &PoolPlan{PoolCode: def.EffectiveCode(), Version: def.EffectiveVersion()}

	if !def.Enabled {
		for _, r := range deleteOrder(unassigned, plan.Version, def.DeleteBatch()) {
			plan.add(&PoolChange{Action: ActionDelete, ResourceID: r.ID, Reason: ReasonWatchPoolSizePoolDisabled})
		}
		return plan
	}

	diff := def.TargetCount - len(unassigned)
	switch {
	case diff > 0:
		for i := 0; i < min(diff, def.CreateBatch()); i++ {
			plan.add(&PoolChange{Action: ActionCreate, Reason: ReasonWatchPoolSizeIncrease})
		}
	case diff < 0:
		for _, r := range deleteOrder(unassigned, plan.Version, min(-diff, def.DeleteBatch())) {
			plan.add(&PoolChange{Action: ActionDelete, ResourceID: r.ID, Reason: ReasonWatchPoolSizeDecrease})
		}
	}
	return plan
}

// deleteOrder picks n records to remove: old versions first, then ones not
// ready yet, then the oldest.
func deleteOrder(records []*model.ResourceRecord, version string, n int) []*model.ResourceRecord {
	sorted := make([]*model.ResourceRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if (a.PoolVersion != version) != (b.PoolVersion != version) {
			return a.PoolVersion != version
		}
		if a.IsReady != b.IsReady {
			return !a.IsReady
		}
		return a.Created.Before(b.Created)
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Plan computes the plan for def from the stored records.
func (m *PoolManager) Plan(ctx context.Context, def *model.PoolDefinition) (*PoolPlan, error) {
	unassigned, err := m.repo.List(ctx, state.Unassigned(def.EffectiveCode()))
	if err != nil {
		return nil, fmt.Errorf("failed to list pool %s: %w", def.EffectiveCode(), err)
	}
	return PlanPool(def, unassigned), nil
}

// Apply starts a chain for every change in plan. A delete whose record was
// claimed or drained since the plan was made is skipped. It keeps going past
// failures and returns them joined.
func (m *PoolManager) Apply(ctx context.Context, def *model.PoolDefinition, plan *PoolPlan) error {
	var errs []error
	for _, c := range plan.Changes {
		var err error
		switch c.Action {
		case ActionCreate:
			_, _, err = m.CreateForPool(ctx, def, c.Reason)
		case ActionDelete:
			_, err = m.Drain(ctx, c.ResourceID, c.Reason)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
