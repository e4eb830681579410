package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/broker/internal/config"
	"github.com/picklr-io/broker/internal/server"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/internal/telemetry"
	"github.com/picklr-io/broker/internal/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker",
	Long: `Runs the worker pool, the watch tasks and the operational endpoints
until interrupted. Pool definitions are reloaded when the configuration file
changes.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.WithoutCancel(ctx)) }()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	pool, err := a.workerPool()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })

	if !cfg.Watch.Disabled {
		sched := watch.NewScheduler(a.backend.Locker)
		sched.Observer = a.recorder
		watch.Register(sched, a.watchEnv())
		g.Go(func() error { return sched.Run(ctx) })
	}

	watcher := config.NewWatcher(configPath, a.pools)
	g.Go(func() error { return watcher.Run(ctx) })

	srv := server.New(cfg.Server.Addr, cfg.Server.GRPCAddr, a.recorder.Handler())
	srv.AddCheck("store", func(ctx context.Context) error {
		_, err := a.backend.Resources.List(ctx, state.Filter{Limit: 1})
		return err
	})
	g.Go(func() error { return srv.Run(ctx) })

	a.logger.Info("broker_started",
		"queue", cfg.Queue.Type,
		"store", cfg.Store.Type,
		"pools", len(cfg.Pools),
		"production", cfg.Production,
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("broker stopped: %w", err)
	}
	a.logger.Info("broker_stopped")
	return nil
}
