package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/engine"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
)

// ErrOutOfCapacity is returned when an allocation cannot be satisfied.
var ErrOutOfCapacity = errors.New("out of capacity")

// DefinitionStore provides the current pool definitions.
type DefinitionStore interface {
	Definitions() []model.PoolDefinition
}

// StaticDefinitions is a fixed DefinitionStore.
type StaticDefinitions []model.PoolDefinition

func (s StaticDefinitions) Definitions() []model.PoolDefinition {
	return s
}

// LookupDefinition returns the definition with the given pool code.
func LookupDefinition(store DefinitionStore, code string) (*model.PoolDefinition, bool) {
	for _, d := range store.Definitions() {
		if d.EffectiveCode() == code {
			return &d, true
		}
	}
	return nil, false
}

// AllocationRequest asks for one resource for an environment.
type AllocationRequest struct {
	Type     model.ResourceType
	SkuName  string
	Location string
	// Provider is used for a direct create when no pool serves the request.
	Provider   string
	Properties map[string]string
}

// PoolCode returns the code of the pool that would serve the request.
func (r AllocationRequest) PoolCode() string {
	return model.PoolCode(r.Type, r.SkuName, r.Location)
}

// Allocation is one resource handed to an environment. ChainID is set when
// the resource is still being created.
type Allocation struct {
	Resource *model.ResourceRecord
	ChainID  string
}

// PoolManager hands out warm pool members and takes them back.
type PoolManager struct {
	repo   state.ResourceRepository
	ops    *Operations
	defs   DefinitionStore
	retry  *engine.RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	conflicts atomic.Int64
}

// NewPoolManager creates a pool manager.
func NewPoolManager(repo state.ResourceRepository, ops *Operations, defs DefinitionStore) *PoolManager {
	return &PoolManager{
		repo:   repo,
		ops:    ops,
		defs:   defs,
		retry:  &engine.RetryPolicy{MaxRetries: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second},
		logger: logging.With("pool"),
		now:    time.Now,
	}
}

// Definitions returns the manager's definition store.
func (m *PoolManager) Definitions() DefinitionStore {
	return m.defs
}

// Conflicts returns how many claims and drains lost a compare-and-swap race.
func (m *PoolManager) Conflicts() int64 {
	return m.conflicts.Load()
}

// TryGetUnassigned claims a ready member of def's current version. It
// returns nil, nil when the pool has nothing to give.
func (m *PoolManager) TryGetUnassigned(ctx context.Context, def *model.PoolDefinition) (*model.ResourceRecord, error) {
	return m.claim(ctx, def, "")
}

func (m *PoolManager) claim(ctx context.Context, def *model.PoolDefinition, environmentID string) (*model.ResourceRecord, error) {
	f := state.Unassigned(def.EffectiveCode())
	f.PoolVersion = def.EffectiveVersion()
	f.Ready = state.Bool(true)

	candidates, err := m.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool %s: %w", def.EffectiveCode(), err)
	}
	for _, r := range candidates {
		r.IsAssigned = true
		r.Assigned = m.now().UTC()
		r.EnvironmentID = environmentID
		err := state.Update(ctx, m.repo, r)
		switch {
		case err == nil:
			return r, nil
		case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrNotFound):
			m.conflicts.Add(1)
			continue
		default:
			return nil, fmt.Errorf("failed to claim %s: %w", r.ID, err)
		}
	}
	return nil, nil
}

// CreateForPool starts a create chain for one new unassigned member of def.
// The record is written first, with provisioning NotStarted, so the next
// pool-size pass already counts it. It returns the resource id and the
// chain id.
func (m *PoolManager) CreateForPool(ctx context.Context, def *model.PoolDefinition, reason string) (string, string, error) {
	p := payloadFor(def, false)
	now := m.now().UTC()
	r := &model.ResourceRecord{
		ID:          newResourceID(),
		Type:        p.Type,
		SkuName:     p.SkuName,
		Location:    p.Location,
		PoolCode:    p.PoolCode,
		PoolVersion: p.PoolVersion,
		Provider:    p.Provider,
		Properties:  p.Properties,
		Created:     now,
	}
	r.UpdateStatus(model.OperationProvisioning, model.StateNotStarted, TriggerQueueOperation, now)
	if err := m.repo.Create(ctx, r); err != nil {
		return "", "", fmt.Errorf("failed to record resource: %w", err)
	}
	chainID, err := m.ops.createWithID(ctx, r.ID, p, "", reason)
	if err != nil {
		if derr := m.repo.Delete(ctx, r.ID); derr != nil {
			m.logger.Warn("pool_create_rollback_failed", "resource_id", r.ID, "error", derr)
		}
		return "", "", err
	}
	return r.ID, chainID, nil
}

// Drain starts a delete chain for an unassigned pool member. The record is
// first marked deleted with a compare-and-swap, so it can no longer be
// claimed or drained twice. It returns "" without starting anything when
// the record was claimed, deleted or changed since it was read.
func (m *PoolManager) Drain(ctx context.Context, id, reason string) (string, error) {
	r, err := m.repo.Get(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load resource %s: %w", id, err)
	}
	if r.IsAssigned || r.IsDeleted || r.IsDeleting() {
		return "", nil
	}

	prev := r.Clone()
	r.IsDeleted = true
	r.IsReady = false
	r.UpdateStatus(model.OperationDeleting, model.StateNotStarted, TriggerQueueOperation, m.now().UTC())
	err = state.Update(ctx, m.repo, r)
	switch {
	case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrNotFound):
		m.conflicts.Add(1)
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to mark %s deleted: %w", id, err)
	}

	chainID, err := m.ops.DeleteResource(ctx, id, reason)
	if err != nil {
		_, _, uerr := updateRecord(ctx, m.repo, m.retry, id, func(rec *model.ResourceRecord) bool {
			if rec.Deleting.Status != model.StateNotStarted {
				return false
			}
			rec.IsDeleted = prev.IsDeleted
			rec.IsReady = prev.IsReady
			rec.Deleting = prev.Deleting
			rec.Operation = prev.Operation
			return true
		})
		if uerr != nil {
			m.logger.Warn("drain_rollback_failed", "resource_id", id, "error", uerr)
		}
		return "", err
	}
	return chainID, nil
}

// Release puts a claimed record back into its pool untouched.
func (m *PoolManager) Release(ctx context.Context, id string) error {
	_, _, err := updateRecord(ctx, m.repo, m.retry, id, func(r *model.ResourceRecord) bool {
		if !r.IsAssigned {
			return false
		}
		r.IsAssigned = false
		r.Assigned = time.Time{}
		r.EnvironmentID = ""
		return true
	})
	return err
}

// ReturnToPool hands a resource back after use. Pools that recycle get a
// cleanup chain that returns the resource once clean. Everything else,
// including resources of a retired pool version, is deleted.
func (m *PoolManager) ReturnToPool(ctx context.Context, id, reason string) (string, error) {
	r, err := m.repo.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load resource %s: %w", id, err)
	}

	def, ok := LookupDefinition(m.defs, r.PoolCode)
	recycle := ok && def.Enabled &&
		def.Policy() == model.ReturnRecycle &&
		def.EffectiveVersion() == r.PoolVersion
	if recycle {
		return m.ops.CleanupResource(ctx, id, true, reason)
	}
	return m.ops.DeleteResource(ctx, id, reason)
}

// Allocate finds a resource for every request, claiming from the matching
// pool when it can and starting a direct create otherwise. Every pool claim
// starts a replacement create. If any request cannot be served, everything
// taken so far is given back and ErrOutOfCapacity is returned.
func (m *PoolManager) Allocate(ctx context.Context, environmentID string, requests []AllocationRequest) ([]Allocation, error) {
	logger := m.logger.With("environment_id", environmentID)

	var out []Allocation
	for _, req := range requests {
		a, err := m.allocateOne(ctx, environmentID, req, logger)
		if err != nil {
			m.giveBack(ctx, out, logger)
			return nil, fmt.Errorf("%w: %s: %v", ErrOutOfCapacity, req.PoolCode(), err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *PoolManager) allocateOne(ctx context.Context, environmentID string, req AllocationRequest, logger *slog.Logger) (Allocation, error) {
	def, pooled := LookupDefinition(m.defs, req.PoolCode())
	if pooled && def.Enabled {
		r, err := m.claim(ctx, def, environmentID)
		if err != nil {
			return Allocation{}, err
		}
		if r != nil {
			logger.Info("resource_claimed", "resource_id", r.ID, "pool_code", def.EffectiveCode())
			if _, _, err := m.CreateForPool(ctx, def, ReasonResourceAssignedReplace); err != nil {
				logger.Error("replacement_create_failed", "pool_code", def.EffectiveCode(), "error", err)
			}
			return Allocation{Resource: r}, nil
		}
	}

	p := continuation.CreatePayload{
		SkuName:    req.SkuName,
		Type:       req.Type,
		Location:   req.Location,
		Provider:   req.Provider,
		Properties: req.Properties,
		IsAssigned: true,
	}
	if pooled {
		p = payloadFor(def, true)
	}
	if p.Provider == "" {
		return Allocation{}, errors.New("no pool and no provider to create from")
	}

	// The record is written before the chain so the environment owns it
	// from the start; the create handler picks it up on its first step.
	now := m.now().UTC()
	r := &model.ResourceRecord{
		ID:            newResourceID(),
		Type:          p.Type,
		SkuName:       p.SkuName,
		Location:      p.Location,
		PoolCode:      p.PoolCode,
		PoolVersion:   p.PoolVersion,
		Provider:      p.Provider,
		Properties:    p.Properties,
		IsAssigned:    true,
		Assigned:      now,
		EnvironmentID: environmentID,
		Created:       now,
	}
	if err := m.repo.Create(ctx, r); err != nil {
		return Allocation{}, fmt.Errorf("failed to record resource: %w", err)
	}
	chainID, err := m.ops.createWithID(ctx, r.ID, p, environmentID, ReasonAllocateCreate)
	if err != nil {
		if derr := m.repo.Delete(ctx, r.ID); derr != nil {
			logger.Warn("allocation_record_rollback_failed", "resource_id", r.ID, "error", derr)
		}
		return Allocation{}, err
	}
	logger.Info("resource_create_started", "resource_id", r.ID, "chain_id", chainID)
	return Allocation{Resource: r, ChainID: chainID}, nil
}

func (m *PoolManager) giveBack(ctx context.Context, taken []Allocation, logger *slog.Logger) {
	for _, a := range taken {
		var err error
		if a.ChainID == "" {
			err = m.Release(ctx, a.Resource.ID)
		} else {
			_, err = m.ops.DeleteResource(ctx, a.Resource.ID, ReasonAllocateRelease)
		}
		if err != nil {
			logger.Error("allocation_release_failed", "resource_id", a.Resource.ID, "error", err)
		}
	}
}
