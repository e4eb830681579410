package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/engine"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/pkg/provider"
)

// Deps are the collaborators shared by the resource handlers.
type Deps struct {
	Repo      state.ResourceRepository
	Providers Providers
	// Ops starts follow-up chains, such as the delete after a failed create.
	Ops *Operations
	// Retry bounds the compare-and-swap retries on record updates.
	Retry *engine.RetryPolicy
}

// RegisterHandlers registers a handler for every resource operation kind.
func RegisterHandlers(r *engine.Registry, d Deps) error {
	for _, h := range []engine.Handler{
		NewCreateHandler(d),
		NewDeleteHandler(d),
		NewStartHandler(d),
		NewCleanupHandler(d),
		NewArchiveHandler(d),
	} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// CreateHandler provisions a new resource and records it.
type CreateHandler struct {
	base
}

func NewCreateHandler(d Deps) *CreateHandler {
	return &CreateHandler{base: newBase(model.OperationProvisioning, d)}
}

func (h *CreateHandler) Kinds() []continuation.Kind {
	return []continuation.Kind{continuation.KindCreateResource}
}

func (h *CreateHandler) Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error) {
	return h.drive(ctx, in, logger, h)
}

// load creates the record on the first step. A redelivered first step finds
// the record already there and carries on with it.
func (h *CreateHandler) load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error) {
	if tok.Created {
		return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateFailed, ReasonResourceNotFound))
	}

	p := in.Create
	rec := &model.ResourceRecord{
		ID:            in.ResourceID,
		Type:          p.Type,
		SkuName:       p.SkuName,
		Location:      p.Location,
		PoolCode:      p.PoolCode,
		PoolVersion:   p.PoolVersion,
		Provider:      p.Provider,
		Properties:    p.Properties,
		IsAssigned:    p.IsAssigned,
		EnvironmentID: in.EnvironmentID,
		Operation:     model.OperationProvisioning,
		Created:       h.now().UTC(),
	}
	if rec.IsAssigned {
		rec.Assigned = rec.Created
	}
	err := h.repo.Create(ctx, rec)
	if errors.Is(err, state.ErrAlreadyExists) {
		return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateFailed, ReasonResourceNotFound))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource record: %w", err)
	}
	return rec, nil, nil
}

func (h *CreateHandler) initialize(in *continuation.Input, r *model.ResourceRecord) {}

// check cancels the create once somebody started deleting the resource.
func (h *CreateHandler) check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error) {
	if !r.IsDeleted && !r.IsDeleting() {
		return nil, nil
	}
	logger.Info("create_cancelled_resource_deleting")
	// The delete owns the record now, so only the provisioning block moves.
	_, _, err := h.updateRecord(ctx, r.ID, func(rec *model.ResourceRecord) bool {
		st := rec.StatusFor(h.op)
		if st.Status.IsFinal() {
			return false
		}
		st.Status = model.StateCancelled
		st.Changed = h.now().UTC()
		st.Trigger = TriggerResourceDeleting
		st.Reason = TriggerResourceDeleting
		return true
	})
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	return continuation.Done(model.StateCancelled, TriggerResourceDeleting), nil
}

func (h *CreateHandler) call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error) {
	return p.Create(ctx, req)
}

func (h *CreateHandler) succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error) {
	now := h.now().UTC()
	_, _, err := h.updateRecord(ctx, r.ID, func(rec *model.ResourceRecord) bool {
		rec.UpdateStatus(h.op, model.StateSucceeded, TriggerPostRunOperation, now)
		rec.ProviderID = resp.ProviderID
		rec.IsReady = true
		rec.KeepAlives.ProviderAlive = now
		return true
	})
	if err != nil {
		return nil, err
	}
	logger.Info("resource_created", "provider_id", resp.ProviderID)
	return continuation.Done(model.StateSucceeded, ""), nil
}

// DeleteHandler removes a resource from its provider and then its record.
type DeleteHandler struct {
	base
}

func NewDeleteHandler(d Deps) *DeleteHandler {
	return &DeleteHandler{base: newBase(model.OperationDeleting, d)}
}

func (h *DeleteHandler) Kinds() []continuation.Kind {
	return []continuation.Kind{continuation.KindDeleteResource}
}

func (h *DeleteHandler) Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error) {
	return h.drive(ctx, in, logger, h)
}

// load treats a missing record as already deleted.
func (h *DeleteHandler) load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error) {
	return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateSucceeded, ""))
}

func (h *DeleteHandler) initialize(in *continuation.Input, r *model.ResourceRecord) {
	r.DeleteAttemptCount++
	r.IsReady = false
	r.IsDeleted = true
}

// check refuses to shrink a pool by a member that has been handed out, and
// skips the provider when there is nothing provisioned to remove.
func (h *DeleteHandler) check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error) {
	if isPoolDrain(in.Reason) && r.IsAssigned {
		logger.Warn("delete_refused_resource_assigned", "environment_id", r.EnvironmentID)
		return continuation.Done(model.StateCancelled, ReasonResourceAssigned), nil
	}
	tok, _ := decodeToken(in.Token)
	if !tok.Initialized {
		return nil, nil
	}
	if r.ProviderID == "" || (in.Delete != nil && in.Delete.RecordOnly) {
		return h.succeeded(ctx, in, r, provider.Succeeded(r.ProviderID), logger)
	}
	return nil, nil
}

func (h *DeleteHandler) call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error) {
	return p.Delete(ctx, req)
}

func (h *DeleteHandler) succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error) {
	if err := h.repo.Delete(ctx, r.ID); err != nil {
		logger.Error("resource_record_delete_failed", "error", err)
		return h.fail(ctx, in, r, ReasonRepositoryDeleteFailed, err.Error(), logger)
	}
	logger.Info("resource_deleted", "provider_id", r.ProviderID)
	return continuation.Done(model.StateSucceeded, ""), nil
}

// StartHandler starts an assigned compute resource for its environment.
type StartHandler struct {
	base
}

func NewStartHandler(d Deps) *StartHandler {
	return &StartHandler{base: newBase(model.OperationStarting, d)}
}

func (h *StartHandler) Kinds() []continuation.Kind {
	return []continuation.Kind{continuation.KindStartEnvironment}
}

func (h *StartHandler) Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error) {
	return h.drive(ctx, in, logger, h)
}

func (h *StartHandler) load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error) {
	return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateFailed, ReasonResourceNotFound))
}

func (h *StartHandler) initialize(in *continuation.Input, r *model.ResourceRecord) {}

// check refuses to start anything that is not compute assigned to the
// requesting environment. The record is left alone: it may still be a
// healthy pool member.
func (h *StartHandler) check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error) {
	if r.Type != model.TypeCompute {
		return continuation.Done(model.StateFailed, ReasonUnsupportedResourceType), nil
	}
	if !r.IsAssigned || r.IsDeleted || (r.EnvironmentID != "" && r.EnvironmentID != in.EnvironmentID) {
		logger.Warn("start_resource_not_assigned", "environment_id", r.EnvironmentID)
		return continuation.Done(model.StateFailed, ReasonResourceNotAssigned), nil
	}
	return nil, nil
}

func (h *StartHandler) call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error) {
	if in.Start != nil {
		for k, v := range in.Start.Properties {
			req.Properties[k] = v
		}
	}
	return p.Start(ctx, req)
}

func (h *StartHandler) succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error) {
	now := h.now().UTC()
	_, _, err := h.updateRecord(ctx, r.ID, func(rec *model.ResourceRecord) bool {
		rec.UpdateStatus(h.op, model.StateSucceeded, TriggerPostRunOperation, now)
		rec.EnvironmentID = in.EnvironmentID
		rec.KeepAlives.EnvironmentAlive = now
		return true
	})
	if err != nil {
		return nil, err
	}
	logger.Info("environment_started", "environment_id", in.EnvironmentID)
	return continuation.Done(model.StateSucceeded, ""), nil
}

// CleanupHandler resets a resource after use and, when asked, puts it back
// into its pool.
type CleanupHandler struct {
	base
}

func NewCleanupHandler(d Deps) *CleanupHandler {
	return &CleanupHandler{base: newBase(model.OperationCleanUp, d)}
}

func (h *CleanupHandler) Kinds() []continuation.Kind {
	return []continuation.Kind{continuation.KindCleanupResource}
}

func (h *CleanupHandler) Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error) {
	return h.drive(ctx, in, logger, h)
}

func (h *CleanupHandler) load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error) {
	return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateFailed, ReasonResourceNotFound))
}

func (h *CleanupHandler) initialize(in *continuation.Input, r *model.ResourceRecord) {
	r.IsReady = false
}

func (h *CleanupHandler) check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error) {
	if r.IsDeleted || r.IsDeleting() {
		return continuation.Done(model.StateCancelled, TriggerResourceDeleting), nil
	}
	return nil, nil
}

func (h *CleanupHandler) call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error) {
	return p.Cleanup(ctx, req)
}

func (h *CleanupHandler) succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error) {
	back := in.Cleanup != nil && in.Cleanup.ReturnToPool
	now := h.now().UTC()
	_, _, err := h.updateRecord(ctx, r.ID, func(rec *model.ResourceRecord) bool {
		rec.UpdateStatus(h.op, model.StateSucceeded, TriggerPostRunOperation, now)
		rec.IsReady = true
		if back {
			rec.IsAssigned = false
			rec.Assigned = time.Time{}
			rec.EnvironmentID = ""
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	logger.Info("resource_cleaned", "returned_to_pool", back)
	return continuation.Done(model.StateSucceeded, ""), nil
}

// ArchiveHandler copies a storage resource into the chain's resource, an
// archive storage resource, and records what it holds.
type ArchiveHandler struct {
	base
}

func NewArchiveHandler(d Deps) *ArchiveHandler {
	return &ArchiveHandler{base: newBase(model.OperationArchiving, d)}
}

func (h *ArchiveHandler) Kinds() []continuation.Kind {
	return []continuation.Kind{continuation.KindStartArchive}
}

func (h *ArchiveHandler) Continue(ctx context.Context, in *continuation.Input, logger *slog.Logger) (*continuation.Result, error) {
	if in.Archive == nil {
		return continuation.Done(model.StateFailed, ReasonArchiveSourceInvalid), nil
	}
	return h.drive(ctx, in, logger.With("source_resource_id", in.Archive.SourceResourceID), h)
}

func (h *ArchiveHandler) load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error) {
	return loadExisting(ctx, h.repo, in.ResourceID, continuation.Done(model.StateFailed, ReasonResourceNotFound))
}

func (h *ArchiveHandler) initialize(in *continuation.Input, r *model.ResourceRecord) {
	r.Archive = &model.ArchiveDetails{SourceResourceID: in.Archive.SourceResourceID}
}

func (h *ArchiveHandler) check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error) {
	if r.Type != model.TypeStorage {
		return continuation.Done(model.StateFailed, ReasonUnsupportedResourceType), nil
	}
	if r.IsDeleted || r.IsDeleting() {
		return continuation.Done(model.StateCancelled, TriggerResourceDeleting), nil
	}
	_, res, err := h.source(ctx, in)
	if res != nil {
		logger.Warn("archive_source_invalid")
	}
	return res, err
}

// source loads the resource being archived. It must be provisioned storage
// that is not on its way out.
func (h *ArchiveHandler) source(ctx context.Context, in *continuation.Input) (*model.ResourceRecord, *continuation.Result, error) {
	invalid := continuation.Done(model.StateFailed, ReasonArchiveSourceInvalid)
	src, res, err := loadExisting(ctx, h.repo, in.Archive.SourceResourceID, invalid)
	if err != nil || res != nil {
		return nil, res, err
	}
	if src.Type != model.TypeStorage || src.ProviderID == "" || src.IsDeleted || src.IsDeleting() {
		return nil, invalid, nil
	}
	return src, nil, nil
}

func (h *ArchiveHandler) call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error) {
	a, ok := p.(provider.Archiver)
	if !ok {
		return provider.Failed(ReasonArchiveNotSupported), nil
	}
	src, res, err := h.source(ctx, in)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return provider.Failed(res.ErrorReason), nil
	}
	return a.Archive(ctx, req, requestFor(src, nil))
}

func (h *ArchiveHandler) succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error) {
	src, err := h.repo.Get(ctx, in.Archive.SourceResourceID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("failed to load archive source %s: %w", in.Archive.SourceResourceID, err)
	}

	now := h.now().UTC()
	details := model.ArchiveDetails{
		SourceResourceID: in.Archive.SourceResourceID,
		ObjectID:         resp.ProviderID,
		Completed:        now,
	}
	if src != nil {
		details.SourceProviderID = src.ProviderID
		details.SourceSkuName = src.SkuName
	}
	_, _, err = h.updateRecord(ctx, r.ID, func(rec *model.ResourceRecord) bool {
		rec.UpdateStatus(h.op, model.StateSucceeded, TriggerPostRunOperation, now)
		rec.Archive = &details
		return true
	})
	if err != nil {
		return nil, err
	}
	logger.Info("resource_archived", "object_id", resp.ProviderID)
	return continuation.Done(model.StateSucceeded, ""), nil
}
