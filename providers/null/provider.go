// Package null is a provider that creates nothing. Each operation takes a
// configurable number of steps so that the continuation machinery is
// exercised end to end without a cloud account.
package null

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

// Config tunes the simulation.
type Config struct {
	// Steps is how many calls an operation takes, counting the final one.
	Steps int
	// Delay is the RetryAfter returned between steps.
	Delay time.Duration
	// FailSkus makes Create fail for these SKU names.
	FailSkus map[string]bool
}

// ConfigFromSettings reads "steps", "delay" and "fail_skus" (comma separated).
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{Steps: 2}
	if v := settings["steps"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("null provider: invalid steps %q", v)
		}
		cfg.Steps = n
	}
	if v := settings["delay"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("null provider: invalid delay %q: %w", v, err)
		}
		cfg.Delay = d
	}
	if v := settings["fail_skus"]; v != "" {
		cfg.FailSkus = make(map[string]bool)
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.FailSkus[s] = true
			}
		}
	}
	return cfg, nil
}

type Provider struct {
	cfg Config

	mu        sync.Mutex
	resources map[string]provider.Resource
}

func New(cfg Config) *Provider {
	if cfg.Steps < 1 {
		cfg.Steps = 2
	}
	return &Provider{cfg: cfg, resources: make(map[string]provider.Resource)}
}

func (p *Provider) Name() string {
	return "null"
}

func (p *Provider) Create(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if p.cfg.FailSkus[req.SkuName] {
		return provider.Failed(fmt.Sprintf("sku %s unavailable in %s", req.SkuName, req.Location)), nil
	}
	return p.step(req, func() string {
		id := "null-" + req.ResourceID
		p.mu.Lock()
		p.resources[req.ResourceID] = provider.Resource{
			ResourceID: req.ResourceID,
			ProviderID: id,
			Type:       req.Type,
			Created:    time.Now().UTC(),
		}
		p.mu.Unlock()
		return id
	}), nil
}

func (p *Provider) Delete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.step(req, func() string {
		p.mu.Lock()
		delete(p.resources, req.ResourceID)
		p.mu.Unlock()
		return req.ProviderID
	}), nil
}

func (p *Provider) Start(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeCompute {
		return provider.Failed("only compute resources can be started"), nil
	}
	return p.step(req, func() string { return req.ProviderID }), nil
}

func (p *Provider) Cleanup(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return p.step(req, func() string { return req.ProviderID }), nil
}

// Archive copies nothing. Both resources must be provisioned storage.
func (p *Provider) Archive(ctx context.Context, req *provider.Request, source *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeStorage || source.Type != model.TypeStorage {
		return provider.Failed("only storage resources can be archived"), nil
	}
	if source.ProviderID == "" {
		return provider.Failed(fmt.Sprintf("source %s is not provisioned", source.ResourceID)), nil
	}
	return p.step(req, func() string { return req.ProviderID + "/" + source.ResourceID }), nil
}

func (p *Provider) List(ctx context.Context) ([]provider.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]provider.Resource, 0, len(p.resources))
	for _, r := range p.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// Adopt registers a resource as existing, as if created outside the broker.
func (p *Provider) Adopt(r provider.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[r.ResourceID] = r
}

// step counts calls through the token ("T1", "T2", ...) and runs finish on
// the last one.
func (p *Provider) step(req *provider.Request, finish func() string) *provider.Response {
	n := 0
	if len(req.Token) > 1 && req.Token[0] == 'T' {
		n, _ = strconv.Atoi(string(req.Token[1:]))
	}
	n++
	if n < p.cfg.Steps {
		return provider.InProgress([]byte("T"+strconv.Itoa(n)), p.cfg.Delay)
	}
	return provider.Succeeded(finish())
}
