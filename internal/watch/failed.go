package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
)

// FailedResourcesTask deletes resources whose last operation failed or
// stalled. A resource that has already survived several delete chains only
// loses its record.
type FailedResourcesTask struct {
	env *Env
}

func NewFailedResourcesTask(env *Env) *FailedResourcesTask {
	env.init()
	return &FailedResourcesTask{env: env}
}

func (t *FailedResourcesTask) Name() string { return "failed-resources" }

func (t *FailedResourcesTask) Run(ctx context.Context) error {
	records, err := t.env.Repo.List(ctx, state.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}

	cutoff := t.env.now().Add(-t.env.Config.FailedTimeout)
	perPool := make(map[string]int)

	var errs []error
	for _, r := range records {
		why := failure(r, cutoff)
		if why == "" {
			continue
		}
		if perPool[r.PoolCode] >= t.env.Config.FailedBatch {
			continue
		}
		perPool[r.PoolCode]++

		logger := t.env.Logger.With(
			"resource_id", r.ID,
			"pool_code", r.PoolCode,
			"failure", why,
			"delete_attempt_count", r.DeleteAttemptCount,
		)
		if r.DeleteAttemptCount >= MaxDeleteAttempts {
			logger.Warn("failed_resource_record_removed")
			_, err = t.env.Ops.DeleteRecord(ctx, r.ID, broker.ReasonWatchFailedResources)
		} else {
			logger.Info("failed_resource_delete")
			_, err = t.env.Ops.DeleteResource(ctx, r.ID, broker.ReasonWatchFailedResources)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// failure names what is wrong with r, or returns "" when r is healthy or
// already being handled.
func failure(r *model.ResourceRecord, cutoff time.Time) string {
	stalled := func(st model.OperationStatus) bool {
		return (st.Status == model.StateNotStarted || st.Status == model.StateInitialized || st.Status == model.StateInProgress) &&
			st.Changed.Before(cutoff)
	}

	switch {
	case r.Provisioning.Status.IsFailure():
		if r.IsDeleting() {
			return ""
		}
		return "ProvisioningFailed"
	case stalled(r.Provisioning):
		return "ProvisioningStalled"
	case r.Starting.Status.IsFailure() || stalled(r.Starting):
		// Only a compute start leaves something broken behind.
		if r.Type != model.TypeCompute || r.IsDeleting() {
			return ""
		}
		return "StartingFailed"
	case (r.CleanUp.Status.IsFailure() || stalled(r.CleanUp)) && !r.IsDeleted && !r.IsDeleting():
		// A broken cleanup leaves the resource assigned and never ready.
		return "CleanUpFailed"
	case r.Deleting.Status.IsFailure():
		return "DeletingFailed"
	case stalled(r.Deleting):
		return "DeletingStalled"
	case r.Provisioning.Status == "" && r.Created.Before(cutoff):
		return "NeverProvisioned"
	case r.Provisioning.Status == model.StateSucceeded && !r.IsReady && !r.IsAssigned &&
		r.Operation == model.OperationProvisioning && r.Provisioning.Changed.Before(cutoff):
		return "NotReady"
	}
	return ""
}
