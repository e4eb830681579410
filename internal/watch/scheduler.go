// Package watch runs the periodic tasks that keep the resource pools at
// their targets and repair drift between records and providers.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/state"
)

// Task is one watch pass.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Observer is told about every task run. metrics.Recorder implements it.
type Observer interface {
	TaskRun(name string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) TaskRun(string, time.Duration, error) {}

type schedule struct {
	task  Task
	every time.Duration
}

// Scheduler runs each task on its own ticker. A tick only runs the task when
// this instance wins the task's lease, so several brokers can share a store.
type Scheduler struct {
	locker    state.Locker
	schedules []schedule

	Logger   *slog.Logger
	Observer Observer
}

// NewScheduler creates a scheduler that takes leases from locker.
func NewScheduler(locker state.Locker) *Scheduler {
	return &Scheduler{
		locker:   locker,
		Logger:   logging.With("watch"),
		Observer: nopObserver{},
	}
}

// Add schedules t every interval.
func (s *Scheduler) Add(t Task, every time.Duration) {
	s.schedules = append(s.schedules, schedule{task: t, every: every})
}

// Run blocks until ctx is cancelled. Each task runs once straight away and
// then on every tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sc := range s.schedules {
		g.Go(func() error {
			s.loop(ctx, sc)
			return nil
		})
	}
	s.Logger.Info("watch_scheduler_started", "tasks", len(s.schedules))
	err := g.Wait()
	s.Logger.Info("watch_scheduler_stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, sc schedule) {
	ticker := time.NewTicker(sc.every)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx, sc.task, sc.every); err != nil {
			s.Logger.Error("watch_task_failed", "task", sc.task.Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs t if the lease for it can be taken for ttl. It reports
// whether the task ran. Panics in the task come back as errors.
func (s *Scheduler) RunOnce(ctx context.Context, t Task, ttl time.Duration) (ran bool, err error) {
	lease := "watch/" + t.Name()
	ok, err := s.locker.Acquire(ctx, lease, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", lease, err)
	}
	if !ok {
		s.Logger.Debug("watch_task_skipped_lease_held", "task", t.Name())
		return false, nil
	}
	defer func() {
		if rerr := s.locker.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			s.Logger.Warn("lease_release_failed", "task", t.Name(), "error", rerr)
		}
	}()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("watch_task_panic", "task", t.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t.Name(), r)
		}
		s.Observer.TaskRun(t.Name(), time.Since(start), err)
	}()

	err = t.Run(ctx)
	return true, err
}
