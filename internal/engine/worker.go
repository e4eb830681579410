package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/queue"
	"github.com/picklr-io/broker/internal/state"
)

// Chain failure reasons written by the worker.
const (
	ReasonMaxChainAge      = "MaximumChainAgeExceeded"
	ReasonMaxDeliveries    = "MaxDeliveriesExceeded"
	ReasonUnknownKind      = "UnknownOperationKind"
	ReasonPublishFailed    = "PublishFailed"
	defaultMaxChainAge     = time.Hour
	defaultMaxDeliveries   = 5
	defaultReceiveTimeout  = 5 * time.Second
	defaultConcurrency     = 4
	defaultHeartbeatFactor = 2
)

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Concurrency    int
	ReceiveTimeout time.Duration
	StepTimeout    time.Duration
	// MaxChainAge fails chains that have been running longer than this.
	MaxChainAge time.Duration
	// MaxDeliveries is how many times a step that keeps erroring is
	// delivered before the chain is parked as failed.
	MaxDeliveries int
	// ReceiveRate limits receives per second across the pool. Zero means
	// unlimited.
	ReceiveRate  float64
	ReceiveBurst int
	Retry        *RetryPolicy
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxChainAge <= 0 {
		c.MaxChainAge = defaultMaxChainAge
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = defaultMaxDeliveries
	}
	if c.ReceiveBurst <= 0 {
		c.ReceiveBurst = c.Concurrency
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Observer is told about step outcomes. metrics.Recorder implements it.
type Observer interface {
	StepCompleted(kind continuation.Kind, status model.OperationState, d time.Duration)
	StepErrored(kind continuation.Kind)
	ChainFinished(kind continuation.Kind, status model.OperationState)
	MessageDropped(reason string)
}

// DeadLetterNotifier is told when a chain is parked after exhausting its
// deliveries.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, env *continuation.Envelope, cause error) error
}

type nopObserver struct{}

func (nopObserver) StepCompleted(continuation.Kind, model.OperationState, time.Duration) {}
func (nopObserver) StepErrored(continuation.Kind)                                        {}
func (nopObserver) ChainFinished(continuation.Kind, model.OperationState)                {}
func (nopObserver) MessageDropped(string)                                                {}

// Worker runs one continuation step per received message.
type Worker struct {
	pump     *queue.Pump
	chains   state.ChainStore
	registry *Registry
	cfg      WorkerConfig

	Logger   *slog.Logger
	Tracer   trace.Tracer
	Observer Observer
	Notifier DeadLetterNotifier

	now func() time.Time
}

// NewWorker creates a worker. Logger, Tracer, Observer and Notifier may be
// replaced before the worker starts.
func NewWorker(pump *queue.Pump, chains state.ChainStore, registry *Registry, cfg WorkerConfig) *Worker {
	return &Worker{
		pump:     pump,
		chains:   chains,
		registry: registry,
		cfg:      cfg.withDefaults(),
		Logger:   logging.With("worker"),
		Tracer:   otel.Tracer("broker/engine"),
		Observer: nopObserver{},
		now:      time.Now,
	}
}

// ProcessNext waits for one message and processes it. It reports whether a
// message was processed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	d, err := w.pump.GetMessage(ctx, w.cfg.ReceiveTimeout)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	w.Process(ctx, d)
	return true, nil
}

// Process runs the step carried by d and settles its message. Errors are
// absorbed here: a failing step is abandoned for redelivery or parked, it
// never propagates to the caller. Cancelling ctx does not interrupt a step
// that has started; the step timeout bounds it instead.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) {
	ctx = context.WithoutCancel(ctx)
	env := d.Envelope
	logger := w.stepLogger(env)

	chain, err := w.chains.GetChain(ctx, env.ChainID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		logger.Warn("chain_not_found")
		w.Observer.MessageDropped("chain_not_found")
		w.complete(ctx, d, logger)
		return
	case err != nil:
		logger.Error("chain_read_failed", "error", err)
		w.abandon(ctx, d, logger)
		return
	}

	if chain.Status.IsFinal() || env.StepCount < chain.Step {
		logger.Debug("duplicate_delivery", "chain_step", chain.Step, "chain_status", chain.Status)
		w.Observer.MessageDropped("duplicate")
		w.complete(ctx, d, logger)
		return
	}

	if age := w.now().Sub(chain.Created); age > w.cfg.MaxChainAge {
		logger.Warn("chain_too_old", "age", age)
		w.finish(ctx, chain, model.StateFailed, ReasonMaxChainAge, logger)
		w.complete(ctx, d, logger)
		return
	}

	handler, err := w.registry.Activate(env.Kind)
	if err != nil {
		logger.Error("handler_not_found", "error", err)
		w.finish(ctx, chain, model.StateFailed, ReasonUnknownKind, logger)
		w.complete(ctx, d, logger)
		return
	}

	start := w.now()
	result, err := w.runStep(ctx, d, handler, logger)

	var unavailable *continuation.UnavailableError
	switch {
	case errors.As(err, &unavailable):
		logger.Info("step_unavailable", "retry_after", unavailable.RetryAfter, "error", unavailable.Err)
		w.retryLater(ctx, d, unavailable.RetryAfter, logger)
	case err != nil:
		w.Observer.StepErrored(env.Kind)
		w.handleStepError(ctx, d, chain, err, logger)
	default:
		w.Observer.StepCompleted(env.Kind, result.Status, w.now().Sub(start))
		w.advance(ctx, d, chain, result, logger)
	}
}

func (w *Worker) stepLogger(env *continuation.Envelope) *slog.Logger {
	args := []any{"chain_id", env.ChainID, "kind", env.Kind, "step", env.StepCount}
	for k, v := range env.LoggerProperties {
		args = append(args, k, v)
	}
	return w.Logger.With(args...)
}

// runStep invokes the handler under a span, a timeout and panic recovery,
// renewing the message lease while it runs.
func (w *Worker) runStep(ctx context.Context, d *queue.Delivery, h Handler, logger *slog.Logger) (result *continuation.Result, err error) {
	env := d.Envelope
	ctx, span := w.Tracer.Start(ctx, "continuation.step",
		trace.WithAttributes(
			attribute.String("chain.id", env.ChainID),
			attribute.String("chain.kind", string(env.Kind)),
			attribute.Int("chain.step", env.StepCount),
			attribute.String("resource.id", env.Input.ResourceID),
		))
	defer span.End()

	stepCtx, cancel := WithTimeout(ctx, w.cfg.StepTimeout)
	defer cancel()

	stop := w.heartbeat(stepCtx, d, logger)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler_panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("chain.status", string(result.Status)))
		}
	}()

	result, err = h.Continue(stepCtx, env.Input, logger)
	if err == nil && result == nil {
		err = errors.New("handler returned no result")
	}
	return result, err
}

// heartbeat extends the lease at half its length until stopped.
func (w *Worker) heartbeat(ctx context.Context, d *queue.Delivery, logger *slog.Logger) func() {
	interval := w.pump.Lease() / defaultHeartbeatFactor
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.pump.Extend(ctx, d); err != nil {
					logger.Warn("lease_extend_failed", "error", err)
					if errors.Is(err, queue.ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// advance records the step result on the chain and schedules the next step.
// The chain is advanced before the next step is published so that a
// concurrent duplicate delivery of this step cannot publish a second
// successor.
func (w *Worker) advance(ctx context.Context, d *queue.Delivery, chain *state.Chain, result *continuation.Result, logger *slog.Logger) {
	env := d.Envelope
	status := result.Status
	done := status.IsFinal() || result.NextInput == nil
	if done && !status.IsFinal() {
		status = model.StateSucceeded
	}

	next := *chain
	next.Step = env.StepCount + 1
	next.Status = status
	next.Reason = result.ErrorReason
	next.Updated = w.now().UTC()

	if err := w.chains.UpdateChain(ctx, &next, env.StepCount); err != nil {
		if errors.Is(err, state.ErrConflict) {
			logger.Info("chain_advanced_elsewhere")
			w.Observer.MessageDropped("conflict")
			w.complete(ctx, d, logger)
			return
		}
		logger.Error("chain_update_failed", "error", err)
		w.abandon(ctx, d, logger)
		return
	}

	if done {
		logger.Info("chain_finished", "status", status, "reason", result.ErrorReason)
		w.Observer.ChainFinished(env.Kind, status)
		w.complete(ctx, d, logger)
		return
	}

	successor := env.Successor(status, result.NextInput, result.RetryAfter, w.now())
	err := RetryWithBackoff(ctx, w.cfg.Retry, func() error {
		return w.pump.Publish(ctx, successor, result.RetryAfter)
	}, func(error) bool { return true })
	if err != nil {
		logger.Error("publish_next_step_failed", "error", err)
		// Put the chain back so the redelivered step is not seen as stale.
		if rerr := w.chains.UpdateChain(ctx, chain, next.Step); rerr != nil {
			logger.Error("chain_revert_failed", "error", rerr)
		}
		w.abandon(ctx, d, logger)
		return
	}

	logger.Debug("step_scheduled", "status", status, "retry_after", result.RetryAfter)
	w.complete(ctx, d, logger)
}

// retryLater republishes the same step after delay and drops the current
// message. The chain is not touched.
func (w *Worker) retryLater(ctx context.Context, d *queue.Delivery, delay time.Duration, logger *slog.Logger) {
	again := d.Envelope.Retry(delay, w.now())
	if err := w.pump.Publish(ctx, again, delay); err != nil {
		logger.Error("publish_retry_failed", "error", err)
		if aerr := w.pump.Abandon(ctx, d, delay); aerr != nil {
			logger.Warn("abandon_failed", "error", aerr)
		}
		return
	}
	w.complete(ctx, d, logger)
}

func (w *Worker) handleStepError(ctx context.Context, d *queue.Delivery, chain *state.Chain, stepErr error, logger *slog.Logger) {
	if d.Message.DeliveryCount < w.cfg.MaxDeliveries {
		logger.Warn("step_failed", "error", stepErr, "delivery", d.Message.DeliveryCount)
		w.abandon(ctx, d, logger)
		return
	}

	logger.Error("step_parked", "error", stepErr, "delivery", d.Message.DeliveryCount)
	w.finish(ctx, chain, model.StateFailed, fmt.Sprintf("%s: %v", ReasonMaxDeliveries, stepErr), logger)
	if w.Notifier != nil {
		if err := w.Notifier.NotifyDeadLetter(ctx, d.Envelope, stepErr); err != nil {
			logger.Warn("dead_letter_notify_failed", "error", err)
		}
	}
	w.complete(ctx, d, logger)
}

// finish writes a terminal status to the chain unless another delivery has
// already moved it.
func (w *Worker) finish(ctx context.Context, chain *state.Chain, status model.OperationState, reason string, logger *slog.Logger) {
	next := *chain
	next.Step = chain.Step + 1
	next.Status = status
	next.Reason = reason
	next.Updated = w.now().UTC()

	if err := w.chains.UpdateChain(ctx, &next, chain.Step); err != nil {
		logger.Warn("chain_finish_failed", "status", status, "error", err)
		return
	}
	w.Observer.ChainFinished(chain.Kind, status)
}

func (w *Worker) complete(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	if err := w.pump.Complete(ctx, d); err != nil {
		logger.Warn("complete_failed", "error", err)
	}
}

func (w *Worker) abandon(ctx context.Context, d *queue.Delivery, logger *slog.Logger) {
	attempt := d.Message.DeliveryCount - 1
	if attempt < 0 {
		attempt = 0
	}
	if err := w.pump.Abandon(ctx, d, w.cfg.Retry.Backoff(attempt)); err != nil {
		logger.Warn("abandon_failed", "error", err)
	}
}
