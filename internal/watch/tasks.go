package watch

import (
	"log/slog"
	"time"

	"github.com/picklr-io/broker/internal/broker"
	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/pkg/provider"
)

// Config tunes the watch tasks. Zero values take the defaults.
type Config struct {
	PoolSizeInterval    time.Duration
	PoolVersionInterval time.Duration
	PoolStateInterval   time.Duration
	FailedInterval      time.Duration
	OrphanedInterval    time.Duration

	// FailedTimeout is how long an operation may sit unfinished before the
	// resource counts as failed.
	FailedTimeout time.Duration
	// FailedBatch caps the failed resources cleaned per pool and pass.
	FailedBatch int
	// OrphanCutoff is how stale a keep-alive must be before the resource
	// counts as orphaned.
	OrphanCutoff time.Duration
	// OrphanPoolBatch caps deletes per orphaned pool and pass.
	OrphanPoolBatch int
}

// Defaults.
const (
	DefaultFailedTimeout = time.Hour
	DefaultFailedBatch   = 10
	DefaultOrphanCutoff  = 7 * 24 * time.Hour
	// MaxDeleteAttempts is how many delete chains a resource gets before
	// only its record is removed.
	MaxDeleteAttempts = 3
)

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.PoolSizeInterval, time.Minute)
	def(&c.PoolVersionInterval, 5*time.Minute)
	def(&c.PoolStateInterval, time.Minute)
	def(&c.FailedInterval, 10*time.Minute)
	def(&c.OrphanedInterval, time.Hour)
	def(&c.FailedTimeout, DefaultFailedTimeout)
	def(&c.OrphanCutoff, DefaultOrphanCutoff)
	if c.FailedBatch <= 0 {
		c.FailedBatch = DefaultFailedBatch
	}
	if c.OrphanPoolBatch <= 0 {
		c.OrphanPoolBatch = model.DefaultMaxDeleteBatch
	}
	return c
}

// ProviderLister lists the loaded providers.
type ProviderLister interface {
	All() []provider.ResourceProvider
}

// Env is what the watch tasks work with.
type Env struct {
	Repo      state.ResourceRepository
	Pools     *broker.PoolManager
	Ops       *broker.Operations
	Providers ProviderLister
	Sinks     []state.SnapshotSink
	Config    Config
	Logger    *slog.Logger

	now func() time.Time
}

func (e *Env) init() {
	e.Config = e.Config.withDefaults()
	if e.Logger == nil {
		e.Logger = logging.With("watch")
	}
	if e.now == nil {
		e.now = time.Now
	}
}

func (e *Env) definitions() []model.PoolDefinition {
	return e.Pools.Definitions().Definitions()
}

// Register adds every watch task to s with its configured interval.
func Register(s *Scheduler, env *Env) {
	env.init()
	c := env.Config
	s.Add(NewPoolSizeTask(env), c.PoolSizeInterval)
	s.Add(NewPoolVersionTask(env), c.PoolVersionInterval)
	s.Add(NewPoolStateTask(env), c.PoolStateInterval)
	s.Add(NewFailedResourcesTask(env), c.FailedInterval)
	s.Add(NewOrphanedResourcesTask(env), c.OrphanedInterval)
}
