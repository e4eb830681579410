package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/broker/pkg/provider"
	"github.com/picklr-io/broker/providers/aws"
	"github.com/picklr-io/broker/providers/azure"
	"github.com/picklr-io/broker/providers/docker"
	"github.com/picklr-io/broker/providers/null"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	settings  map[string]map[string]string
	providers map[string]provider.ResourceProvider
}

// NewRegistry returns a registry that configures providers from settings,
// keyed by provider name.
func NewRegistry(settings map[string]map[string]string) *Registry {
	if settings == nil {
		settings = make(map[string]map[string]string)
	}
	return &Registry{
		settings:  settings,
		providers: make(map[string]provider.ResourceProvider),
	}
}

// LoadProvider initializes and registers a built-in provider. Loading an
// already loaded provider is a no-op.
func (r *Registry) LoadProvider(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	settings := r.settings[name]
	var p provider.ResourceProvider
	switch name {
	case "null":
		cfg, err := null.ConfigFromSettings(settings)
		if err != nil {
			return err
		}
		p = null.New(cfg)
	case "docker":
		d, err := docker.New(settings)
		if err != nil {
			return fmt.Errorf("failed to load docker provider: %w", err)
		}
		p = d
	case "aws":
		a, err := aws.New(ctx, aws.SettingsFromMap(settings))
		if err != nil {
			return fmt.Errorf("failed to load aws provider: %w", err)
		}
		p = a
	case "azure":
		a, err := azure.New(azure.SettingsFromMap(settings))
		if err != nil {
			return fmt.Errorf("failed to load azure provider: %w", err)
		}
		p = a
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register adds an already constructed provider under its own name.
func (r *Registry) Register(p provider.ResourceProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (provider.ResourceProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}

// All returns the loaded providers ordered by name.
func (r *Registry) All() []provider.ResourceProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ResourceProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
