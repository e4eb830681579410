package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/pkg/provider"
)

// OrphanedResourcesTask reconciles providers against records in both
// directions. Tagged cloud resources without a record are deleted at the
// provider. Records whose resources have not been seen for a long time are
// reported, and deleted when nobody holds them.
type OrphanedResourcesTask struct {
	env *Env
}

func NewOrphanedResourcesTask(env *Env) *OrphanedResourcesTask {
	env.init()
	return &OrphanedResourcesTask{env: env}
}

func (t *OrphanedResourcesTask) Name() string { return "orphaned-resources" }

func (t *OrphanedResourcesTask) Run(ctx context.Context) error {
	var errs []error
	if t.env.Providers != nil {
		for _, p := range t.env.Providers.All() {
			if err := t.checkProvider(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("provider %s: %w", p.Name(), err))
			}
		}
	}
	if err := t.checkRecords(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *OrphanedResourcesTask) checkProvider(ctx context.Context, p provider.ResourceProvider) error {
	resources, err := p.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}

	var errs []error
	for _, res := range resources {
		logger := t.env.Logger.With("provider", p.Name(), "resource_id", res.ResourceID, "provider_id", res.ProviderID)

		r, err := t.env.Repo.Get(ctx, res.ResourceID)
		if errors.Is(err, state.ErrNotFound) {
			resp, err := p.Delete(ctx, &provider.Request{ResourceID: res.ResourceID, Type: res.Type, ProviderID: res.ProviderID})
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to delete orphan %s: %w", res.ProviderID, err))
				continue
			}
			logger.Info("orphaned_provider_resource_deleted", "status", resp.Status)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		r.KeepAlives.ProviderAlive = t.env.now().UTC()
		if err := state.Update(ctx, t.env.Repo, r); err != nil && !errors.Is(err, state.ErrConflict) && !errors.Is(err, state.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to refresh keep-alive of %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (t *OrphanedResourcesTask) checkRecords(ctx context.Context) error {
	records, err := t.env.Repo.List(ctx, state.Filter{ExcludeDeleting: true})
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}

	cutoff := t.env.now().Add(-t.env.Config.OrphanCutoff)
	var errs []error
	for _, r := range records {
		alive := lastSeen(r)
		if !alive.Before(cutoff) {
			continue
		}
		t.env.Logger.Warn("orphaned_resource_detected",
			"resource_id", r.ID,
			"pool_code", r.PoolCode,
			"last_seen", alive,
			"is_assigned", r.IsAssigned,
		)
		if r.IsAssigned {
			continue
		}
		if _, err := t.env.Ops.DeleteResource(ctx, r.ID, broker.ReasonWatchOrphanedResources); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lastSeen is the latest sign of life of r.
func lastSeen(r *model.ResourceRecord) time.Time {
	t := r.Created
	for _, ka := range []time.Time{r.KeepAlives.ProviderAlive, r.KeepAlives.EnvironmentAlive} {
		if ka.After(t) {
			t = ka
		}
	}
	return t
}
