package config

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/logging"
	"github.com/picklr-io/broker/internal/model"
)

const yamlConfig = `
queue:
  type: sqlite
  path: /var/lib/broker/queue.db
store:
  type: sqlite
  path: /var/lib/broker/state.db
worker:
  concurrency: 8
  step_timeout: 90s
  retry:
    max_retries: 5
watch:
  orphan_cutoff: 48h
providers:
  docker:
    host: unix:///var/run/docker.sock
pools:
  - type: compute
    sku_name: Standard_D2
    location: WestUS2
    provider: docker
    target_count: 5
    enabled: true
    return_policy: recycle
`

const tomlConfig = `
[queue]
type = "sqlite"
path = "/var/lib/broker/queue.db"

[store]
type = "sqlite"
path = "/var/lib/broker/state.db"

[worker]
concurrency = 8
step_timeout = "90s"

[worker.retry]
max_retries = 5

[watch]
orphan_cutoff = "48h"

[providers.docker]
host = "unix:///var/run/docker.sock"

[[pools]]
type = "compute"
sku_name = "Standard_D2"
location = "WestUS2"
provider = "docker"
target_count = 5
enabled = true
return_policy = "recycle"
`

const jsonConfig = `{
  "queue": {"type": "sqlite", "path": "/var/lib/broker/queue.db"},
  "store": {"type": "sqlite", "path": "/var/lib/broker/state.db"},
  "worker": {"concurrency": 8, "step_timeout": 90, "retry": {"max_retries": 5}},
  "watch": {"orphan_cutoff": "48h"},
  "providers": {"docker": {"host": "unix:///var/run/docker.sock"}},
  "pools": [{
    "type": "compute", "sku_name": "Standard_D2", "location": "WestUS2",
    "provider": "docker", "target_count": 5, "enabled": true, "return_policy": "recycle"
  }]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "broker.yaml", yamlConfig},
		{"toml", "broker.toml", tomlConfig},
		{"json", "broker.json", jsonConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(context.Background(), writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "sqlite", cfg.Queue.Type)
			assert.Equal(t, "/var/lib/broker/state.db", cfg.Store.Path)
			assert.Equal(t, 8, cfg.Worker.Concurrency)
			assert.Equal(t, 90*time.Second, cfg.Worker.StepTimeout.Std())
			assert.Equal(t, 5, cfg.Worker.Engine().Retry.MaxRetries)
			assert.Equal(t, 48*time.Hour, cfg.Watch.Tasks().OrphanCutoff)
			assert.Equal(t, "unix:///var/run/docker.sock", cfg.Providers["docker"]["host"])

			// Defaults survive for what the file leaves out.
			assert.Equal(t, "info", cfg.Log.Level)
			assert.Equal(t, time.Hour, cfg.Worker.MaxChainAge.Std())

			require.Len(t, cfg.Pools, 1)
			p := cfg.Pools[0]
			assert.Equal(t, model.TypeCompute, p.Type)
			assert.Equal(t, 5, p.TargetCount)
			assert.Equal(t, model.ReturnRecycle, p.Policy())
			assert.Equal(t, "compute_standard_d2_westus2", p.EffectiveCode())
		})
	}
}

func TestLoad_Pkl(t *testing.T) {
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skip("pkl binary not installed")
	}
	path := writeFile(t, "broker.pkl", `
queue { type = "memory" }
pools {
  new {
    type = "storage"
    sku_name = "Standard_LRS"
    location = "eastus"
    provider = "null"
    target_count = 2
    enabled = true
  }
}
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, model.TypeStorage, cfg.Pools[0].Type)
	assert.Equal(t, 2, cfg.Pools[0].TargetCount)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown format", "broker.ini", "x=1", "unsupported config format"},
		{"unknown field", "broker.json", `{"queues": {}}`, "unknown field"},
		{"bad duration", "broker.yaml", "worker:\n  step_timeout: soon\n", "invalid duration"},
		{"invalid pool", "broker.yaml", "pools:\n  - type: gpu\n", "unknown resource type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeFile(t, tt.file, tt.content))
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvProduction, "true")

	cfg, err := Parse(context.Background(), writeFile(t, "broker.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Production)
	assert.NoError(t, cfg.Validate())

	t.Setenv(EnvProduction, "maybe")
	_, err = Parse(context.Background(), writeFile(t, "broker.yaml", yamlConfig))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	pool := model.PoolDefinition{
		Type: model.TypeCompute, SkuName: "Standard_D2", Location: "WestUS2",
		Provider: "aws", TargetCount: 3, Enabled: true,
	}
	durable := func() *Config {
		c := Default()
		c.Queue = QueueConfig{Type: "sqs", URL: "https://sqs.us-east-1.amazonaws.com/1/broker"}
		c.Store.Type = "dynamodb"
		c.Store.ResourcesTable = "resources"
		c.Store.ChainsTable = "chains"
		c.Pools = []model.PoolDefinition{pool}
		return c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"valid production", func(c *Config) { c.Production = true }, ""},
		{"memory queue in production", func(c *Config) {
			c.Production = true
			c.Queue.Type = "memory"
		}, "memory queue"},
		{"memory store in production", func(c *Config) {
			c.Production = true
			c.Store.Type = "memory"
		}, "memory store"},
		{"null provider in production", func(c *Config) {
			c.Production = true
			c.Pools[0].Provider = "null"
		}, "null provider"},
		{"null provider outside production", func(c *Config) { c.Pools[0].Provider = "null" }, ""},
		{"unknown queue", func(c *Config) { c.Queue.Type = "kafka" }, "unknown queue type"},
		{"sqs without url", func(c *Config) { c.Queue.URL = "" }, "queue.url"},
		{"dynamodb without tables", func(c *Config) { c.Store.ChainsTable = "" }, "chains_table"},
		{"unknown provider", func(c *Config) { c.Providers = map[string]map[string]string{"gcp": nil} }, "unknown provider"},
		{"missing sku", func(c *Config) { c.Pools[0].SkuName = "" }, "sku_name is required"},
		{"negative target", func(c *Config) { c.Pools[0].TargetCount = -1 }, "target_count"},
		{"bad return policy", func(c *Config) { c.Pools[0].ReturnPolicy = "keep" }, "return_policy"},
		{"duplicate pool", func(c *Config) { c.Pools = append(c.Pools, pool) }, "duplicate pool code"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := durable()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"1h30m"`, 90 * time.Minute, false},
		{`"250ms"`, 250 * time.Millisecond, false},
		{`30`, 30 * time.Second, false},
		{`1.5`, 1500 * time.Millisecond, false},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestProviderNames(t *testing.T) {
	c := Default()
	c.Providers = map[string]map[string]string{"docker": nil, "aws": nil}
	c.Pools = []model.PoolDefinition{{Provider: "null"}, {Provider: "aws"}}
	assert.Equal(t, []string{"aws", "docker", "null"}, c.ProviderNames())
}

func TestWatcher_Reload(t *testing.T) {
	path := writeFile(t, "broker.yaml", yamlConfig)
	store := NewPoolStore(nil)
	w := NewWatcher(path, store)
	w.Logger = logging.Discard()

	require.NoError(t, w.Reload(context.Background()))
	assert.Len(t, store.Definitions(), 1)
	assert.Equal(t, 2, store.Generation())

	// A broken file keeps the previous definitions.
	require.NoError(t, os.WriteFile(path, []byte("pools:\n  - type: gpu\n"), 0o644))
	assert.ErrorIs(t, w.Reload(context.Background()), ErrInvalid)
	assert.Len(t, store.Definitions(), 1)
	assert.Equal(t, 2, store.Generation())
}

func TestWatcher_RunPicksUpChanges(t *testing.T) {
	path := writeFile(t, "broker.yaml", "pools: []\n")
	store := NewPoolStore(nil)
	w := NewWatcher(path, store)
	w.Logger = logging.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	require.Eventually(t, func() bool { return len(store.Definitions()) == 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestPoolStore_DefinitionsAreCopies(t *testing.T) {
	store := NewPoolStore([]model.PoolDefinition{{SkuName: "a"}})
	defs := store.Definitions()
	defs[0].SkuName = "b"
	assert.Equal(t, "a", store.Definitions()[0].SkuName)
}
