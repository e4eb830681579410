package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/config"
	"github.com/picklr-io/broker/internal/engine"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/metrics"
	"github.com/picklr-io/broker/internal/notify"
	providers "github.com/picklr-io/broker/internal/provider"
	"github.com/picklr-io/broker/internal/queue"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/internal/watch"
)

// app is one broker process wired from configuration.
type app struct {
	cfg *config.Config

	backend   *state.Backend
	queue     queue.Queue
	pump      *queue.Pump
	providers *providers.Registry
	chains    *engine.Operations
	ops       *broker.Operations
	handlers  *engine.Registry
	pools     *config.PoolStore
	manager   *broker.PoolManager
	recorder  *metrics.Recorder
	sinks     []state.SnapshotSink
	notifier  engine.DeadLetterNotifier

	logger *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg, logger: logging.With("broker")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.backend, err = state.NewBackend(ctx, &cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if a.queue, err = openQueue(ctx, cfg.Queue); err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	a.recorder = metrics.NewRecorder()
	pumpOpts := cfg.Queue.PumpOptions()
	pumpOpts.OnPoison = func(*queue.Message, error) { a.recorder.MessageDropped("undecodable") }
	a.pump = queue.NewPump(a.queue, cfg.Queue.Codec(), pumpOpts)

	a.providers = providers.NewRegistry(cfg.Providers)
	for _, name := range cfg.ProviderNames() {
		if err = a.providers.LoadProvider(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}

	retry := cfg.Worker.Retry.Policy()
	a.chains = engine.NewOperations(a.pump, a.backend.Chains)
	a.ops = broker.NewOperations(a.chains)
	a.handlers = engine.NewRegistry()
	if err = broker.RegisterHandlers(a.handlers, broker.Deps{
		Repo:      a.backend.Resources,
		Providers: a.providers,
		Ops:       a.ops,
		Retry:     retry,
	}); err != nil {
		return nil, err
	}

	a.pools = config.NewPoolStore(cfg.Pools)
	a.manager = broker.NewPoolManager(a.backend.Resources, a.ops, a.pools)
	a.recorder.CountFunc("pool_claim_conflicts_total", "Pool claims and drains lost to a concurrent writer.", a.manager.Conflicts)

	a.sinks = []state.SnapshotSink{a.recorder}
	if s3cfg := cfg.Snapshots.S3; s3cfg != nil {
		store, err := state.NewS3SnapshotStore(ctx, *s3cfg)
		if err != nil {
			return nil, err
		}
		a.sinks = append(a.sinks, store)
	}
	if cwcfg := cfg.Snapshots.CloudWatch; cwcfg != nil {
		pub, err := metrics.NewCloudWatchPublisher(ctx, *cwcfg)
		if err != nil {
			return nil, err
		}
		a.sinks = append(a.sinks, pub)
	}

	if cfg.Notify.TopicARN != "" {
		if a.notifier, err = notify.NewSNSNotifier(ctx, cfg.Notify); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Type {
	case "memory", "":
		return queue.NewMemoryQueue(), nil
	case "sqlite":
		name := cfg.Name
		if name == "" {
			name = "continuations"
		}
		return queue.NewSQLiteQueue(filepath.Clean(cfg.Path), name)
	case "sqs":
		return queue.NewSQSQueue(ctx, cfg.SQS())
	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Type)
	}
}

// workerPool builds the worker pool with metrics and dead-letter alerts.
func (a *app) workerPool() (*engine.WorkerPool, error) {
	pool, err := engine.NewWorkerPool(a.pump, a.backend.Chains, a.handlers, a.cfg.Worker.Engine())
	if err != nil {
		return nil, err
	}
	w := pool.Worker()
	w.Observer = a.recorder
	if a.notifier != nil {
		w.Notifier = a.notifier
	}
	return pool, nil
}

// watchEnv returns what the watch tasks need.
func (a *app) watchEnv() *watch.Env {
	return &watch.Env{
		Repo:      a.backend.Resources,
		Pools:     a.manager,
		Ops:       a.ops,
		Providers: a.providers,
		Sinks:     a.sinks,
		Config:    a.cfg.Watch.Tasks(),
	}
}

func (a *app) close() {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown_close_failed", "error", err)
	}
}
