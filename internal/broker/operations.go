package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

// ChainStarter starts a continuation chain. *engine.Operations satisfies it.
type ChainStarter interface {
	Create(ctx context.Context, kind continuation.Kind, in *continuation.Input) (string, error)
}

// Operations starts resource lifecycle chains on top of a ChainStarter.
type Operations struct {
	chains ChainStarter
}

// NewOperations wraps chains.
func NewOperations(chains ChainStarter) *Operations {
	return &Operations{chains: chains}
}

// CreateResource starts a create chain for a new resource id. It returns the
// resource id and the chain id.
func (o *Operations) CreateResource(ctx context.Context, p continuation.CreatePayload, environmentID, reason string) (string, string, error) {
	id := newResourceID()
	chainID, err := o.createWithID(ctx, id, p, environmentID, reason)
	if err != nil {
		return "", "", err
	}
	return id, chainID, nil
}

func (o *Operations) createWithID(ctx context.Context, id string, p continuation.CreatePayload, environmentID, reason string) (string, error) {
	in := &continuation.Input{
		Kind:          continuation.KindCreateResource,
		ResourceID:    id,
		EnvironmentID: environmentID,
		Reason:        reason,
		Create:        &p,
	}
	chainID, err := o.chains.Create(ctx, continuation.KindCreateResource, in)
	if err != nil {
		return "", fmt.Errorf("failed to start create for %s: %w", id, err)
	}
	return chainID, nil
}

// DeleteResource starts a delete chain for id.
func (o *Operations) DeleteResource(ctx context.Context, id, reason string) (string, error) {
	return o.delete(ctx, id, reason, false)
}

// DeleteRecord starts a delete chain that removes only the record.
func (o *Operations) DeleteRecord(ctx context.Context, id, reason string) (string, error) {
	return o.delete(ctx, id, reason, true)
}

func (o *Operations) delete(ctx context.Context, id, reason string, recordOnly bool) (string, error) {
	in := &continuation.Input{
		Kind:       continuation.KindDeleteResource,
		ResourceID: id,
		Reason:     reason,
		Delete:     &continuation.DeletePayload{RecordOnly: recordOnly},
	}
	chainID, err := o.chains.Create(ctx, continuation.KindDeleteResource, in)
	if err != nil {
		return "", fmt.Errorf("failed to start delete for %s: %w", id, err)
	}
	return chainID, nil
}

// StartEnvironment starts a chain that boots id for environmentID.
func (o *Operations) StartEnvironment(ctx context.Context, id, environmentID string, props map[string]string) (string, error) {
	in := &continuation.Input{
		Kind:          continuation.KindStartEnvironment,
		ResourceID:    id,
		EnvironmentID: environmentID,
		Start:         &continuation.StartPayload{Properties: props},
	}
	chainID, err := o.chains.Create(ctx, continuation.KindStartEnvironment, in)
	if err != nil {
		return "", fmt.Errorf("failed to start environment on %s: %w", id, err)
	}
	return chainID, nil
}

// CleanupResource starts a cleanup chain for id.
func (o *Operations) CleanupResource(ctx context.Context, id string, returnToPool bool, reason string) (string, error) {
	in := &continuation.Input{
		Kind:       continuation.KindCleanupResource,
		ResourceID: id,
		Reason:     reason,
		Cleanup:    &continuation.CleanupPayload{ReturnToPool: returnToPool},
	}
	chainID, err := o.chains.Create(ctx, continuation.KindCleanupResource, in)
	if err != nil {
		return "", fmt.Errorf("failed to start cleanup for %s: %w", id, err)
	}
	return chainID, nil
}

// StartArchive starts a chain that copies sourceID into the archive storage
// resource id.
func (o *Operations) StartArchive(ctx context.Context, id, sourceID, reason string) (string, error) {
	in := &continuation.Input{
		Kind:       continuation.KindStartArchive,
		ResourceID: id,
		Reason:     reason,
		Archive:    &continuation.ArchivePayload{SourceResourceID: sourceID},
	}
	chainID, err := o.chains.Create(ctx, continuation.KindStartArchive, in)
	if err != nil {
		return "", fmt.Errorf("failed to start archive into %s: %w", id, err)
	}
	return chainID, nil
}

func payloadFor(def *model.PoolDefinition, assigned bool) continuation.CreatePayload {
	props := make(map[string]string, len(def.Properties))
	for k, v := range def.Properties {
		props[k] = v
	}
	return continuation.CreatePayload{
		SkuName:     def.SkuName,
		Type:        def.Type,
		Location:    def.Location,
		PoolCode:    def.EffectiveCode(),
		PoolVersion: def.EffectiveVersion(),
		Provider:    def.Provider,
		Properties:  props,
		IsAssigned:  assigned,
	}
}

func newResourceID() string {
	return uuid.NewString()
}
