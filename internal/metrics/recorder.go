// Package metrics exposes broker activity as Prometheus metrics and
// publishes pool snapshots to CloudWatch.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

const namespace = "broker"

// Recorder records worker, watch and pool metrics in its own registry. It
// is an engine.Observer, a watch.Observer and a state.SnapshotSink.
type Recorder struct {
	registry *prometheus.Registry

	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepErrors    *prometheus.CounterVec
	chains        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	poolResources *prometheus.GaugeVec
	poolTarget    *prometheus.GaugeVec
	poolAtTarget  *prometheus.GaugeVec
}

// NewRecorder creates a recorder with Go runtime and process collectors
// registered next to the broker metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Continuation steps processed, by operation kind and resulting status.",
		}, []string{"kind", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent in one handler step.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Handler steps that returned an error and were redelivered.",
		}, []string{"kind"}),
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_finished_total",
			Help:      "Continuation chains that reached a terminal status.",
		}, []string{"kind", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Queue messages completed without running a step.",
		}, []string{"reason"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "task_runs_total",
			Help:      "Watch task runs, by task and result.",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "task_duration_seconds",
			Help:      "Duration of one watch task run.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		poolResources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resources",
			Help:      "Resources in a pool, by state.",
		}, []string{"pool", "state"}),
		poolTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "target",
			Help:      "Target count of unassigned resources.",
		}, []string{"pool"}),
		poolAtTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "ready_at_target",
			Help:      "1 when the pool has its target count of ready resources.",
		}, []string{"pool"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.steps, r.stepDuration, r.stepErrors, r.chains, r.dropped,
		r.taskRuns, r.taskDuration,
		r.poolResources, r.poolTarget, r.poolAtTarget,
	)
	return r
}

// Registry returns the registry the metrics live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// CountFunc exposes a monotonically increasing count read on every scrape,
// such as the pool manager's claim conflicts.
func (r *Recorder) CountFunc(name, help string, fn func() int64) {
	r.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

func (r *Recorder) StepCompleted(kind continuation.Kind, status model.OperationState, d time.Duration) {
	r.steps.WithLabelValues(string(kind), string(status)).Inc()
	r.stepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (r *Recorder) StepErrored(kind continuation.Kind) {
	r.stepErrors.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) ChainFinished(kind continuation.Kind, status model.OperationState) {
	r.chains.WithLabelValues(string(kind), string(status)).Inc()
}

func (r *Recorder) MessageDropped(reason string) {
	r.dropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) TaskRun(name string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.taskRuns.WithLabelValues(name, result).Inc()
	r.taskDuration.WithLabelValues(name).Observe(d.Seconds())
}

// PutSnapshot sets the pool gauges from snap.
func (r *Recorder) PutSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	pool := snap.PoolCode
	for state, v := range snapshotCounts(snap) {
		r.poolResources.WithLabelValues(pool, state).Set(float64(v))
	}
	r.poolTarget.WithLabelValues(pool).Set(float64(snap.TargetCount))
	atTarget := 0.0
	if snap.IsReadyAtTargetCount {
		atTarget = 1
	}
	r.poolAtTarget.WithLabelValues(pool).Set(atTarget)
	return nil
}

// snapshotCounts names the counts of a snapshot the way both the gauges and
// CloudWatch publish them.
func snapshotCounts(snap *model.PoolSnapshot) map[string]int {
	return map[string]int{
		"unassigned":               snap.UnassignedCount,
		"unassigned_version":       snap.UnassignedVersionCount,
		"unassigned_not_version":   snap.UnassignedNotVersionCount,
		"ready_unassigned":         snap.ReadyUnassignedCount,
		"ready_unassigned_version": snap.ReadyUnassignedVersionCount,
		"assigned":                 snap.AssignedCount,
		"failed":                   snap.FailedCount,
	}
}
