package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/providers/null"
)

func members(def model.PoolDefinition, n int) []*model.ResourceRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*model.ResourceRecord, n)
	for i := range out {
		out[i] = &model.ResourceRecord{
			ID:          fmt.Sprintf("r%02d", i),
			PoolCode:    def.EffectiveCode(),
			PoolVersion: def.EffectiveVersion(),
			IsReady:     true,
			Created:     base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestPlanPool(t *testing.T) {
	disabled := computePool
	disabled.Enabled = false

	big := computePool
	big.TargetCount = 30

	small := computePool
	small.TargetCount = 0
	small.MaxDeleteBatch = 2

	tests := []struct {
		name       string
		def        model.PoolDefinition
		have       int
		wantCreate int
		wantDelete int
		wantReason string
	}{
		{"grow to target", computePool, 2, 3, 0, ReasonWatchPoolSizeIncrease},
		{"shrink to target", computePool, 8, 0, 3, ReasonWatchPoolSizeDecrease},
		{"at target", computePool, 5, 0, 0, ""},
		{"create batch cap", big, 0, model.DefaultMaxCreateBatch, 0, ReasonWatchPoolSizeIncrease},
		{"delete batch cap", small, 5, 0, 2, ReasonWatchPoolSizeDecrease},
		{"disabled drains", disabled, 3, 0, 3, ReasonWatchPoolSizePoolDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanPool(&tt.def, members(tt.def, tt.have))
			assert.Equal(t, tt.wantCreate, plan.Summary.Create)
			assert.Equal(t, tt.wantDelete, plan.Summary.Delete)
			assert.Len(t, plan.Changes, tt.wantCreate+tt.wantDelete)
			assert.Equal(t, tt.wantReason != "", plan.HasChanges())
			for _, c := range plan.Changes {
				assert.Equal(t, tt.wantReason, c.Reason)
			}
		})
	}
}

func TestPlanPool_DeleteOrder(t *testing.T) {
	def := computePool
	def.TargetCount = 2
	recs := members(def, 5)
	recs[4].PoolVersion = "old"
	recs[3].IsReady = false

	plan := PlanPool(&def, recs)
	require.Len(t, plan.Changes, 3)

	var ids []string
	for _, c := range plan.Changes {
		assert.Equal(t, ActionDelete, c.Action)
		ids = append(ids, c.ResourceID)
	}
	assert.Equal(t, []string{"r04", "r03", "r00"}, ids)
}

func TestPoolManager_PlanAndApply(t *testing.T) {
	h := newHarness(t, null.Config{Steps: 1}, computePool)
	ctx := context.Background()
	h.seedReady(t, computePool, 2)

	plan, err := h.pools.Plan(ctx, &computePool)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Summary.Create)

	require.NoError(t, h.pools.Apply(ctx, &computePool, plan))
	h.settle(t)

	n, err := state.Count(ctx, h.store, state.Unassigned(computePool.EffectiveCode()))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	plan, err = h.pools.Plan(ctx, &computePool)
	require.NoError(t, err)
	assert.False(t, plan.HasChanges())
}

func TestPoolManager_DrainLosesToClaim(t *testing.T) {
	def := computePool
	def.TargetCount = 1

	tests := []struct {
		name        string
		claimBefore bool
	}{
		{"claimed before apply", true},
		{"claimed after apply", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, null.Config{Steps: 1}, def)
			ctx := context.Background()
			h.seedReady(t, def, 2)

			plan, err := h.pools.Plan(ctx, &def)
			require.NoError(t, err)
			require.Equal(t, 1, plan.Summary.Delete)
			chosen := plan.Changes[0].ResourceID

			var claimed *model.ResourceRecord
			if tt.claimBefore {
				claimed, err = h.pools.TryGetUnassigned(ctx, &def)
				require.NoError(t, err)
				require.NotNil(t, claimed)
				require.Equal(t, chosen, claimed.ID)
			}
			require.NoError(t, h.pools.Apply(ctx, &def, plan))
			if !tt.claimBefore {
				claimed, err = h.pools.TryGetUnassigned(ctx, &def)
				require.NoError(t, err)
				require.NotNil(t, claimed)
				assert.NotEqual(t, chosen, claimed.ID)
			}
			h.settle(t)

			r, err := h.store.Get(ctx, claimed.ID)
			require.NoError(t, err)
			assert.True(t, r.IsAssigned)
			assert.False(t, r.IsDeleted)
		})
	}
}

func TestPoolManager_ApplyTwice(t *testing.T) {
	tests := []struct {
		name string
		have int
		kind continuation.Kind
	}{
		{"shrink", 8, continuation.KindDeleteResource},
		{"grow", 2, continuation.KindCreateResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, null.Config{Steps: 1}, computePool)
			ctx := context.Background()
			h.seedReady(t, computePool, tt.have)

			for i := 0; i < 2; i++ {
				plan, err := h.pools.Plan(ctx, &computePool)
				require.NoError(t, err)
				require.NoError(t, h.pools.Apply(ctx, &computePool, plan))
			}

			// One chain per missing or surplus member, not one per pass.
			assert.Equal(t, 3, h.queue.Len())
			h.settle(t)

			n, err := state.Count(ctx, h.store, state.Unassigned(computePool.EffectiveCode()))
			require.NoError(t, err)
			assert.Equal(t, 5, n)
		})
	}
}

// brokenChains fails every chain it is asked to start.
type brokenChains struct{}

func (brokenChains) Create(ctx context.Context, kind continuation.Kind, in *continuation.Input) (string, error) {
	return "", errors.New("queue closed")
}

func TestPoolManager_PublishFailureRollsBack(t *testing.T) {
	store := state.NewMemoryStore()
	m := NewPoolManager(store, NewOperations(brokenChains{}), StaticDefinitions{computePool})
	m.logger = logging.Discard()
	ctx := context.Background()

	_, _, err := m.CreateForPool(ctx, &computePool, ReasonWatchPoolSizeIncrease)
	require.ErrorContains(t, err, "queue closed")
	records, err := store.List(ctx, state.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, store.Create(ctx, &model.ResourceRecord{
		ID: "r1", PoolCode: computePool.EffectiveCode(), PoolVersion: computePool.EffectiveVersion(), IsReady: true,
	}))
	_, err = m.Drain(ctx, "r1", ReasonWatchPoolSizeDecrease)
	require.ErrorContains(t, err, "queue closed")

	r, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, r.IsDeleted)
	assert.True(t, r.IsReady)
	assert.False(t, r.IsDeleting())
	assert.True(t, r.IsUnassignedPoolMember())
}
