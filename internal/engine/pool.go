package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/picklr-io/broker/internal/queue"
	"github.com/picklr-io/broker/internal/state"
)

// WorkerPool owns a fixed number of worker loops sharing one pump.
type WorkerPool struct {
	worker  *Worker
	cfg     WorkerConfig
	limiter *rate.Limiter
}

// NewWorkerPool creates a pool. It fails when any known operation kind has
// no registered handler.
func NewWorkerPool(pump *queue.Pump, chains state.ChainStore, registry *Registry, cfg WorkerConfig) (*WorkerPool, error) {
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("handler registry incomplete: %w", err)
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.ReceiveRate > 0 {
		limit = rate.Limit(cfg.ReceiveRate)
	}
	return &WorkerPool{
		worker:  NewWorker(pump, chains, registry, cfg),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.ReceiveBurst),
	}, nil
}

// Worker returns the worker shared by the pool loops, for wiring its
// logger, tracer, observer and notifier before Run.
func (p *WorkerPool) Worker() *Worker {
	return p.worker
}

// Run starts the worker loops and blocks until ctx is cancelled and every
// in-flight step has finished.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.worker.Logger.Info("worker_pool_started", "concurrency", p.cfg.Concurrency)

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	err := g.Wait()

	p.worker.Logger.Info("worker_pool_stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context, id int) error {
	logger := p.worker.Logger.With("worker", id)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}

		_, err := p.worker.ProcessNext(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}

		// Receive errors are queue outages; back off and keep polling.
		logger.Error("receive_failed", "error", err)
		delay := p.cfg.Retry.Backoff(failures)
		failures++
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
