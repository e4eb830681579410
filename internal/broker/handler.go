package broker

import (
	"context"
	"encoding/json"
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

// TransientRetryAfter is how long a step waits after a transient provider
// error before calling the provider again.
const TransientRetryAfter = 10 * time.Second

// Providers resolves a loaded provider by name.
type Providers interface {
	Get(name string) (provider.ResourceProvider, error)
}

// handlerToken is the continuation token every broker handler writes. The
// engine never looks inside it.
type handlerToken struct {
	Initialized   bool   `json:"initialized"`
	Created       bool   `json:"created,omitempty"`
	ProviderToken []byte `json:"provider_token,omitempty"`
}

func decodeToken(b []byte) (handlerToken, error) {
	var t handlerToken
	if len(b) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("failed to decode continuation token: %w", err)
	}
	return t, nil
}

func (t handlerToken) encode() []byte {
	b, _ := json.Marshal(t)
	return b
}

// lifecycle is what a concrete handler plugs into the shared step driver.
type lifecycle interface {
	// load returns the record the chain works on. A non-nil result ends the
	// chain without touching the record.
	load(ctx context.Context, in *continuation.Input, tok handlerToken) (*model.ResourceRecord, *continuation.Result, error)

	// initialize applies extra changes when the operation is first recorded.
	initialize(in *continuation.Input, r *model.ResourceRecord)

	// check may end the step before the provider is called.
	check(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, logger *slog.Logger) (*continuation.Result, error)

	call(ctx context.Context, p provider.ResourceProvider, in *continuation.Input, req *provider.Request) (*provider.Response, error)

	succeeded(ctx context.Context, in *continuation.Input, r *model.ResourceRecord, resp *provider.Response, logger *slog.Logger) (*continuation.Result, error)
}

// base holds what every resource handler shares and drives the common step
// protocol: record the operation on the first step, then call the provider
// until it finishes.
type base struct {
	op        model.ResourceOperation
	repo      state.ResourceRepository
	providers Providers
	ops       *Operations
	retry     *engine.RetryPolicy
	now       func() time.Time
}

func newBase(op model.ResourceOperation, d Deps) base {
	retry := d.Retry
	if retry == nil {
		retry = &engine.RetryPolicy{MaxRetries: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}
	}
	return base{op: op, repo: d.Repo, providers: d.Providers, ops: d.Ops, retry: retry, now: time.Now}
}

func (b *base) drive(ctx context.Context, in *continuation.Input, logger *slog.Logger, l lifecycle) (*continuation.Result, error) {
	logger = logger.With("operation", b.op, "trigger_source", in.Reason)

	tok, err := decodeToken(in.Token)
	if err != nil {
		logger.Error("invalid_continuation_token", "error", err)
		return continuation.Done(model.StateFailed, "InvalidContinuationToken"), nil
	}

	rec, res, err := l.load(ctx, in, tok)
	if err != nil || res != nil {
		return res, err
	}

	if res, err := l.check(ctx, in, rec, logger); err != nil || res != nil {
		return res, err
	}

	// First time through, record the operation and queue the real work.
	if !tok.Initialized {
		_, _, err := b.updateStatus(ctx, rec.ID, model.StateInitialized, TriggerQueueOperation, "", func(r *model.ResourceRecord) {
			l.initialize(in, r)
		})
		if err != nil {
			return nil, err
		}
		tok.Initialized = true
		if b.op == model.OperationProvisioning {
			tok.Created = true
		}
		logger.Debug("operation_queued")
		return continuation.Next(in, tok.encode(), model.StateInitialized, 0), nil
	}

	if _, _, err := b.updateStatus(ctx, rec.ID, model.StateInProgress, TriggerPreRunOperation, "", nil); err != nil {
		return nil, err
	}

	p, err := b.providers.Get(rec.Provider)
	if err != nil {
		logger.Error("provider_unavailable", "provider", rec.Provider, "error", err)
		return b.fail(ctx, in, rec, TriggerPostRunOperation+ReasonProviderNotLoaded, err.Error(), logger)
	}

	resp, err := l.call(ctx, p, in, requestFor(rec, tok.ProviderToken))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if engine.IsTransientError(err) {
			logger.Warn("provider_transient_error", "error", err)
			return continuation.Next(in, in.Token, model.StateInProgress, TransientRetryAfter), nil
		}
		logger.Error("provider_error", "error", err)
		return b.fail(ctx, in, rec, TriggerPostRunOperation+"Exception", err.Error(), logger)
	}

	switch resp.Status {
	case model.StateSucceeded:
		return l.succeeded(ctx, in, rec, resp, logger)
	case model.StateFailed, model.StateCancelled:
		return b.fail(ctx, in, rec, TriggerPostRunOperation+string(resp.Status), resp.ErrorReason, logger)
	}

	tok.ProviderToken = resp.Token
	return continuation.Next(in, tok.encode(), model.StateInProgress, resp.RetryAfter), nil
}

// fail marks the operation Failed and, the first time it does so for a
// provisioning or compute start, starts a delete chain to reclaim whatever
// the provider left behind.
func (b *base) fail(ctx context.Context, in *continuation.Input, rec *model.ResourceRecord, trigger, reason string, logger *slog.Logger) (*continuation.Result, error) {
	if reason == "" {
		reason = trigger
	}
	changed, updated, err := b.updateStatus(ctx, rec.ID, model.StateFailed, trigger, reason, nil)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	if updated != nil {
		rec = updated
	}

	cleanup := b.op == model.OperationProvisioning ||
		(b.op == model.OperationStarting && rec.Type == model.TypeCompute)
	if changed && cleanup && b.ops != nil {
		if _, err := b.ops.DeleteResource(ctx, rec.ID, ReasonFailOperationCleanup); err != nil {
			logger.Error("fail_cleanup_error", "error", err)
		} else {
			logger.Info("fail_cleanup_started", "trigger", trigger)
		}
	}
	return continuation.Done(model.StateFailed, reason), nil
}

// updateStatus moves the handler's operation on the stored record to st.
// extra runs only when the status actually changed.
func (b *base) updateStatus(ctx context.Context, id string, st model.OperationState, trigger, reason string, extra func(*model.ResourceRecord)) (bool, *model.ResourceRecord, error) {
	return b.updateRecord(ctx, id, func(r *model.ResourceRecord) bool {
		if !r.UpdateStatus(b.op, st, trigger, b.now().UTC()) {
			return false
		}
		if reason != "" {
			r.StatusFor(b.op).Reason = reason
		}
		if extra != nil {
			extra(r)
		}
		return true
	})
}

// updateRecord applies mutate to a fresh copy of the record and writes it
// with compare-and-swap, starting over on conflict.
func (b *base) updateRecord(ctx context.Context, id string, mutate func(*model.ResourceRecord) bool) (bool, *model.ResourceRecord, error) {
	return updateRecord(ctx, b.repo, b.retry, id, mutate)
}

func updateRecord(ctx context.Context, repo state.ResourceRepository, retry *engine.RetryPolicy, id string, mutate func(*model.ResourceRecord) bool) (bool, *model.ResourceRecord, error) {
	var (
		changed bool
		out     *model.ResourceRecord
	)
	err := engine.RetryWithBackoff(ctx, retry, func() error {
		r, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		changed = mutate(r)
		if changed {
			if err := state.Update(ctx, repo, r); err != nil {
				return err
			}
		}
		out = r
		return nil
	}, func(err error) bool { return errors.Is(err, state.ErrConflict) })
	if err != nil {
		return false, nil, fmt.Errorf("failed to update resource %s: %w", id, err)
	}
	return changed, out, nil
}

func requestFor(r *model.ResourceRecord, token []byte) *provider.Request {
	props := make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		props[k] = v
	}
	return &provider.Request{
		ResourceID: r.ID,
		Type:       r.Type,
		SkuName:    r.SkuName,
		Location:   r.Location,
		Properties: props,
		ProviderID: r.ProviderID,
		Token:      token,
	}
}

// loadExisting fetches the record, ending the chain with notFound when it
// is gone.
func loadExisting(ctx context.Context, repo state.ResourceRepository, id string, notFound *continuation.Result) (*model.ResourceRecord, *continuation.Result, error) {
	r, err := repo.Get(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load resource %s: %w", id, err)
	}
	return r, nil, nil
}
