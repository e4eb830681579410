// Package config loads, defaults and validates the broker configuration.
//
// A configuration file may be written in Pkl, YAML, TOML or JSON. Every
// format is decoded against the same schema, the JSON field names of Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/picklr-io/broker/internal/engine"
	"github.com/picklr-io/broker/internal/metrics"
	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/internal/notify"
	"github.com/picklr-io/broker/internal/queue"
	"github.com/picklr-io/broker/internal/state"
	"github.com/picklr-io/broker/internal/telemetry"
	"github.com/picklr-io/broker/internal/watch"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment overrides.
const (
	EnvLogLevel   = "BROKER_LOG_LEVEL"
	EnvProduction = "BROKER_PRODUCTION"
)

// Config is the whole broker configuration.
type Config struct {
	// Production turns on the strict validation rules.
	Production bool `json:"production"`

	Log       LogConfig                    `json:"log"`
	Queue     QueueConfig                  `json:"queue"`
	Store     state.BackendConfig          `json:"store"`
	Worker    WorkerConfig                 `json:"worker"`
	Watch     WatchConfig                  `json:"watch"`
	Providers map[string]map[string]string `json:"providers"`
	Pools     []model.PoolDefinition       `json:"pools"`
	Snapshots SnapshotConfig               `json:"snapshots"`
	Notify    notify.SNSConfig             `json:"notify"`
	Server    ServerConfig                 `json:"server"`
	Telemetry telemetry.Config             `json:"telemetry"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// QueueConfig selects the continuation queue.
type QueueConfig struct {
	Type string `json:"type"` // "memory", "sqlite", "sqs"

	// sqlite
	Path string `json:"path"`
	Name string `json:"name"`

	// sqs
	URL      string   `json:"url"`
	Region   string   `json:"region"`
	Profile  string   `json:"profile"`
	WaitTime Duration `json:"wait_time"`

	Lease        Duration `json:"lease"`
	PollInterval Duration `json:"poll_interval"`
	// EncryptionKey seals message bodies. When empty the
	// BROKER_MESSAGE_ENCRYPTION_KEY variable is used.
	EncryptionKey string `json:"encryption_key"`
}

// SQS returns the SQS queue settings.
func (q QueueConfig) SQS() queue.SQSConfig {
	return queue.SQSConfig{
		QueueURL: q.URL,
		Region:   q.Region,
		Profile:  q.Profile,
		WaitTime: q.WaitTime.Std(),
	}
}

// PumpOptions returns the pump tuning.
func (q QueueConfig) PumpOptions() queue.PumpOptions {
	return queue.PumpOptions{Lease: q.Lease.Std(), PollInterval: q.PollInterval.Std()}
}

// Codec returns the message codec.
func (q QueueConfig) Codec() *queue.Codec {
	if q.EncryptionKey != "" {
		return queue.NewCodec(q.EncryptionKey)
	}
	return queue.CodecFromEnv()
}

type RetryConfig struct {
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
}

// Policy returns the retry policy, or the default one when unset.
func (r RetryConfig) Policy() *engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	if r.MaxRetries > 0 {
		p.MaxRetries = r.MaxRetries
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay.Std()
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay.Std()
	}
	return p
}

type WorkerConfig struct {
	Concurrency    int         `json:"concurrency"`
	ReceiveTimeout Duration    `json:"receive_timeout"`
	StepTimeout    Duration    `json:"step_timeout"`
	MaxChainAge    Duration    `json:"max_chain_age"`
	MaxDeliveries  int         `json:"max_deliveries"`
	ReceiveRate    float64     `json:"receive_rate"`
	ReceiveBurst   int         `json:"receive_burst"`
	Retry          RetryConfig `json:"retry"`
}

// Engine returns the worker pool configuration.
func (w WorkerConfig) Engine() engine.WorkerConfig {
	return engine.WorkerConfig{
		Concurrency:    w.Concurrency,
		ReceiveTimeout: w.ReceiveTimeout.Std(),
		StepTimeout:    w.StepTimeout.Std(),
		MaxChainAge:    w.MaxChainAge.Std(),
		MaxDeliveries:  w.MaxDeliveries,
		ReceiveRate:    w.ReceiveRate,
		ReceiveBurst:   w.ReceiveBurst,
		Retry:          w.Retry.Policy(),
	}
}

type WatchConfig struct {
	Disabled            bool     `json:"disabled"`
	PoolSizeInterval    Duration `json:"pool_size_interval"`
	PoolVersionInterval Duration `json:"pool_version_interval"`
	PoolStateInterval   Duration `json:"pool_state_interval"`
	FailedInterval      Duration `json:"failed_interval"`
	OrphanedInterval    Duration `json:"orphaned_interval"`
	FailedTimeout       Duration `json:"failed_timeout"`
	FailedBatch         int      `json:"failed_batch"`
	OrphanCutoff        Duration `json:"orphan_cutoff"`
	OrphanPoolBatch     int      `json:"orphan_pool_batch"`
}

// Tasks returns the watch task configuration.
func (w WatchConfig) Tasks() watch.Config {
	return watch.Config{
		PoolSizeInterval:    w.PoolSizeInterval.Std(),
		PoolVersionInterval: w.PoolVersionInterval.Std(),
		PoolStateInterval:   w.PoolStateInterval.Std(),
		FailedInterval:      w.FailedInterval.Std(),
		OrphanedInterval:    w.OrphanedInterval.Std(),
		FailedTimeout:       w.FailedTimeout.Std(),
		FailedBatch:         w.FailedBatch,
		OrphanCutoff:        w.OrphanCutoff.Std(),
		OrphanPoolBatch:     w.OrphanPoolBatch,
	}
}

// SnapshotConfig lists where pool snapshots go besides the metrics endpoint.
type SnapshotConfig struct {
	S3         *state.S3Config           `json:"s3,omitempty"`
	CloudWatch *metrics.CloudWatchConfig `json:"cloudwatch,omitempty"`
}

type ServerConfig struct {
	// Addr serves /metrics and /healthz. Empty disables the HTTP server.
	Addr string `json:"addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `json:"grpc_addr"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Queue: QueueConfig{Type: "memory", Name: "continuations"},
		Store: state.BackendConfig{Type: "memory"},
		Worker: WorkerConfig{
			Concurrency:    4,
			ReceiveTimeout: Duration(time.Second),
			StepTimeout:    Duration(2 * time.Minute),
			MaxChainAge:    Duration(time.Hour),
			MaxDeliveries:  10,
		},
		Server:    ServerConfig{Addr: ":9090"},
		Telemetry: telemetry.Config{ServiceName: "resource-broker", SampleRatio: 1},
	}
}

// applyEnv overrides c from the environment.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvProduction); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, EnvProduction, v)
		}
		c.Production = b
	}
	return nil
}

// ProviderNames returns every provider a pool refers to, plus the ones
// configured explicitly, sorted and without duplicates.
func (c *Config) ProviderNames() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for name := range c.Providers {
		add(name)
	}
	for _, p := range c.Pools {
		add(p.Provider)
	}
	sort.Strings(out)
	return out
}
