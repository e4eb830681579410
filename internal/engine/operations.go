package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/queue"
	"github.com/picklr-io/broker/internal/state"
)

// Operations starts continuation chains and reports their status. It is
// safe for concurrent use.
type Operations struct {
	pump   *queue.Pump
	chains state.ChainStore
	now    func() time.Time

	Logger *slog.Logger
}

// NewOperations creates the facade.
func NewOperations(pump *queue.Pump, chains state.ChainStore) *Operations {
	return &Operations{pump: pump, chains: chains, now: time.Now, Logger: logging.With("operations")}
}

// Create records a new chain for a copy of in and publishes its first step.
// It returns the chain id.
func (o *Operations) Create(ctx context.Context, kind continuation.Kind, in *continuation.Input) (string, error) {
	if in == nil {
		return "", fmt.Errorf("cannot start %s chain: input is nil", kind)
	}
	in = in.BuildNextInput(in.Token)
	if in.Kind == "" {
		in.Kind = kind
	}
	if in.Kind != kind {
		return "", fmt.Errorf("input kind %q does not match requested kind %q", in.Kind, kind)
	}
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("invalid %s input: %w", kind, err)
	}

	now := o.now().UTC()
	chain := &state.Chain{
		ID:         uuid.NewString(),
		Kind:       kind,
		ResourceID: in.ResourceID,
		Status:     model.StateNotStarted,
		Created:    now,
		Updated:    now,
	}
	if err := o.chains.CreateChain(ctx, chain); err != nil {
		return "", fmt.Errorf("failed to record chain: %w", err)
	}

	env := continuation.NewEnvelope(chain.ID, in, now)
	if err := o.pump.Publish(ctx, env, 0); err != nil {
		failed := *chain
		failed.Step = 1
		failed.Status = model.StateFailed
		failed.Reason = ReasonPublishFailed
		failed.Updated = o.now().UTC()
		if uerr := o.chains.UpdateChain(ctx, &failed, 0); uerr != nil {
			o.Logger.Warn("chain_publish_failure_record_failed", "chain_id", chain.ID, "error", uerr)
		}
		return "", err
	}
	return chain.ID, nil
}

// GetStatus returns the chain's current status.
func (o *Operations) GetStatus(ctx context.Context, chainID string) (model.OperationState, error) {
	c, err := o.chains.GetChain(ctx, chainID)
	if err != nil {
		return "", err
	}
	return c.Status, nil
}

// GetChain returns the full chain record.
func (o *Operations) GetChain(ctx context.Context, chainID string) (*state.Chain, error) {
	return o.chains.GetChain(ctx, chainID)
}
