package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

const (
	defaultImage = "alpine:3.20"
	pollInterval = 2 * time.Second

	stagePull    = "pull"
	stageCreate  = "create"
	stageRunning = "running"
)

// API is the subset of the Docker client the provider uses.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
}

// sku sizes containers the way a VM SKU sizes machines.
type sku struct {
	cpus     float64
	memoryMB int64
}

var skus = map[string]sku{
	"standard_d2": {cpus: 2, memoryMB: 8192},
	"standard_d4": {cpus: 4, memoryMB: 16384},
	"standard_d8": {cpus: 8, memoryMB: 32768},
	"basic_a1":    {cpus: 1, memoryMB: 1792},
}

// token is the resume state of a container create.
type token struct {
	Stage       string `json:"stage"`
	ContainerID string `json:"container_id,omitempty"`
}

type Provider struct {
	client API
	image  string
}

// New connects to the daemon from the environment, or to settings["host"].
// settings["image"] overrides the default container image.
func New(settings map[string]string) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := settings["host"]; host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewWithClient(cli, settings["image"]), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(api API, img string) *Provider {
	if img == "" {
		img = defaultImage
	}
	return &Provider{client: api, image: img}
}

func (p *Provider) Name() string {
	return "docker"
}

func (p *Provider) Create(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	switch req.Type {
	case model.TypeCompute:
		return p.createContainer(ctx, req)
	case model.TypeStorage:
		vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
			Name:   resourceName(req.ResourceID),
			Driver: req.Properties["driver"],
			Labels: provider.Tags(req.ResourceID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create volume: %w", err)
		}
		return provider.Succeeded(vol.Name), nil
	case model.TypeNetwork:
		resp, err := p.client.NetworkCreate(ctx, resourceName(req.ResourceID), network.CreateOptions{
			Driver:   req.Properties["driver"],
			Internal: req.Properties["internal"] == "true",
			Labels:   provider.Tags(req.ResourceID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create network: %w", err)
		}
		return provider.Succeeded(resp.ID), nil
	}
	return provider.Failed(fmt.Sprintf("unsupported resource type: %s", req.Type)), nil
}

func (p *Provider) createContainer(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	tok := token{Stage: stagePull}
	if len(req.Token) > 0 {
		if err := json.Unmarshal(req.Token, &tok); err != nil {
			return nil, fmt.Errorf("invalid docker token: %w", err)
		}
	}

	img := req.Properties["image"]
	if img == "" {
		img = p.image
	}

	switch tok.Stage {
	case stagePull:
		reader, err := p.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", img, err)
		}
		// Drain output so the pull completes.
		io.Copy(io.Discard, reader)
		reader.Close()
		return encode(token{Stage: stageCreate}, 0)

	case stageCreate:
		config, hostConfig, err := containerConfig(req, img)
		if err != nil {
			return provider.Failed(err.Error()), nil
		}
		resp, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, resourceName(req.ResourceID))
		if err != nil {
			return nil, fmt.Errorf("failed to create container: %w", err)
		}
		if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("failed to start container: %w", err)
		}
		return encode(token{Stage: stageRunning, ContainerID: resp.ID}, pollInterval)

	case stageRunning:
		inspect, err := p.client.ContainerInspect(ctx, tok.ContainerID)
		if err != nil {
			if client.IsErrNotFound(err) {
				return provider.Failed("container disappeared during provisioning"), nil
			}
			return nil, fmt.Errorf("failed to inspect container: %w", err)
		}
		if inspect.State == nil {
			return encode(tok, pollInterval)
		}
		switch {
		case inspect.State.Running:
			return provider.Succeeded(tok.ContainerID), nil
		case inspect.State.Status == "exited" || inspect.State.Status == "dead":
			return provider.Failed(fmt.Sprintf("container exited with code %d", inspect.State.ExitCode)), nil
		}
		return encode(tok, pollInterval)
	}
	return nil, fmt.Errorf("unknown docker create stage %q", tok.Stage)
}

func (p *Provider) Delete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	id := req.ProviderID
	if id == "" {
		id = resourceName(req.ResourceID)
	}

	var err error
	switch req.Type {
	case model.TypeCompute:
		timeout := 10 // seconds
		_ = p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
		err = p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	case model.TypeStorage:
		err = p.client.VolumeRemove(ctx, id, true)
	case model.TypeNetwork:
		err = p.client.NetworkRemove(ctx, id)
	default:
		return provider.Failed(fmt.Sprintf("unsupported resource type: %s", req.Type)), nil
	}
	if err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to remove %s %s: %w", req.Type, id, err)
	}
	return provider.Succeeded(id), nil
}

func (p *Provider) Start(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeCompute {
		return provider.Failed("only compute resources can be started"), nil
	}
	if err := p.client.ContainerStart(ctx, req.ProviderID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return provider.Failed("container not found"), nil
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return provider.Succeeded(req.ProviderID), nil
}

// Cleanup restarts containers so the next tenant gets a fresh process.
// Volumes and networks need no cleanup.
func (p *Provider) Cleanup(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if req.Type != model.TypeCompute {
		return provider.Succeeded(req.ProviderID), nil
	}
	timeout := 10
	if err := p.client.ContainerRestart(ctx, req.ProviderID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return provider.Failed("container not found"), nil
		}
		return nil, fmt.Errorf("failed to restart container: %w", err)
	}
	return provider.Succeeded(req.ProviderID), nil
}

func (p *Provider) List(ctx context.Context) ([]provider.Resource, error) {
	args := filters.NewArgs(filters.Arg("label", provider.TagManagedBy+"="+provider.ManagedBy))
	var out []provider.Resource

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		out = append(out, provider.Resource{
			ResourceID: c.Labels[provider.TagResourceID],
			ProviderID: c.ID,
			Type:       model.TypeCompute,
			Created:    time.Unix(c.Created, 0).UTC(),
		})
	}

	vols, err := p.client.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range vols.Volumes {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		out = append(out, provider.Resource{
			ResourceID: v.Labels[provider.TagResourceID],
			ProviderID: v.Name,
			Type:       model.TypeStorage,
			Created:    created,
		})
	}

	nets, err := p.client.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range nets {
		out = append(out, provider.Resource{
			ResourceID: n.Labels[provider.TagResourceID],
			ProviderID: n.ID,
			Type:       model.TypeNetwork,
			Created:    n.Created,
		})
	}
	return out, nil
}

func containerConfig(req *provider.Request, img string) (*container.Config, *container.HostConfig, error) {
	var specs []string
	if ports := req.Properties["ports"]; ports != "" {
		specs = strings.Split(ports, ",")
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ports %q: %w", req.Properties["ports"], err)
	}

	labels := provider.Tags(req.ResourceID)
	labels["broker-sku"] = req.SkuName
	labels["broker-location"] = req.Location

	config := &container.Config{
		Image:        img,
		Labels:       labels,
		ExposedPorts: exposed,
		Env:          mapToEnvList(map[string]string{"BROKER_RESOURCE_ID": req.ResourceID}),
	}
	if cmd := req.Properties["command"]; cmd != "" {
		config.Cmd = strings.Fields(cmd)
	} else {
		config.Cmd = []string{"sleep", "infinity"}
	}

	hostConfig := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if s, ok := skus[strings.ToLower(req.SkuName)]; ok {
		hostConfig.Resources.NanoCPUs = int64(s.cpus * 1e9)
		hostConfig.Resources.Memory = s.memoryMB * 1024 * 1024
	}
	if v := req.Properties["memory_mb"]; v != "" {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory_mb %q", v)
		}
		hostConfig.Resources.Memory = mb * 1024 * 1024
	}
	return config, hostConfig, nil
}

func encode(tok token, retryAfter time.Duration) (*provider.Response, error) {
	b, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	return provider.InProgress(b, retryAfter), nil
}

func resourceName(resourceID string) string {
	return "broker-" + resourceID
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
