package config

import (
	"errors"
	"fmt"

	"github.com/picklr-io/broker/internal/model"
)

var (
	queueTypes    = map[string]bool{"memory": true, "sqlite": true, "sqs": true}
	storeTypes    = map[string]bool{"memory": true, "sqlite": true, "dynamodb": true}
	providerNames = map[string]bool{"null": true, "docker": true, "aws": true, "azure": true}
)

// Validate checks c and returns every problem found, each wrapping
// ErrInvalid. In production mode the in-memory queue and store and the null
// provider are rejected, since none of them survive a restart.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !queueTypes[c.Queue.Type] {
		bad("unknown queue type %q", c.Queue.Type)
	}
	switch c.Queue.Type {
	case "sqlite":
		if c.Queue.Path == "" {
			bad("queue.path is required for the sqlite queue")
		}
	case "sqs":
		if c.Queue.URL == "" {
			bad("queue.url is required for the sqs queue")
		}
	}

	if !storeTypes[c.Store.Type] {
		bad("unknown store type %q", c.Store.Type)
	}
	switch c.Store.Type {
	case "sqlite":
		if c.Store.Path == "" {
			bad("store.path is required for the sqlite store")
		}
	case "dynamodb":
		if c.Store.ResourcesTable == "" || c.Store.ChainsTable == "" {
			bad("store.resources_table and store.chains_table are required for dynamodb")
		}
	}

	if c.Worker.Concurrency < 0 {
		bad("worker.concurrency must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		bad("telemetry.sample_ratio must be between 0 and 1")
	}
	for name := range c.Providers {
		if !providerNames[name] {
			bad("unknown provider %q", name)
		}
	}

	errs = append(errs, ValidatePools(c.Pools)...)

	if c.Production {
		if c.Queue.Type == "memory" {
			bad("the memory queue is not allowed in production")
		}
		if c.Store.Type == "memory" {
			bad("the memory store is not allowed in production")
		}
		for _, name := range c.ProviderNames() {
			if name == "null" {
				bad("the null provider is not allowed in production")
			}
		}
	}

	return errors.Join(errs...)
}

// ValidatePools checks a set of pool definitions on its own, as the watcher
// does before publishing a reload.
func ValidatePools(pools []model.PoolDefinition) []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	codes := make(map[string]bool)
	for i := range pools {
		p := &pools[i]
		where := fmt.Sprintf("pools[%d]", i)

		if !p.Type.Valid() {
			bad("%s: unknown resource type %q", where, p.Type)
		}
		if p.SkuName == "" {
			bad("%s: sku_name is required", where)
		}
		if p.Location == "" {
			bad("%s: location is required", where)
		}
		if p.Provider == "" {
			bad("%s: provider is required", where)
		} else if !providerNames[p.Provider] {
			bad("%s: unknown provider %q", where, p.Provider)
		}
		if p.TargetCount < 0 {
			bad("%s: target_count must not be negative", where)
		}
		if p.MaxCreateBatch < 0 || p.MaxDeleteBatch < 0 {
			bad("%s: batch limits must not be negative", where)
		}
		switch p.ReturnPolicy {
		case "", model.ReturnDestroy, model.ReturnRecycle:
		default:
			bad("%s: unknown return_policy %q", where, p.ReturnPolicy)
		}

		code := p.EffectiveCode()
		if codes[code] {
			bad("%s: duplicate pool code %q", where, code)
		}
		codes[code] = true
	}
	return errs
}
