package docker

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

type fakeDocker struct {
	API // unimplemented methods panic

	pulled   []string
	created  *container.Config
	host     *container.HostConfig
	started  []string
	running  bool
	removed  []string
	listOpts container.ListOptions
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *v1.Platform, name string) (container.CreateResponse, error) {
	f.created = config
	f.host = hostConfig
	return container.CreateResponse{ID: "c-123"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	state := &types.ContainerState{Running: f.running, Status: "created"}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: id, State: state}}, nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.listOpts = opts
	return []types.Container{{ID: "c-123", Labels: provider.Tags("res-1"), Created: 1700000000}}, nil
}

func (f *fakeDocker) VolumeList(ctx context.Context, _ volume.ListOptions) (volume.ListResponse, error) {
	return volume.ListResponse{Volumes: []*volume.Volume{{Name: "broker-res-2", Labels: provider.Tags("res-2")}}}, nil
}

func (f *fakeDocker) NetworkList(ctx context.Context, _ network.ListOptions) ([]network.Summary, error) {
	return nil, nil
}

func TestCreateContainer_Stages(t *testing.T) {
	ctx := context.Background()
	fake := &fakeDocker{}
	p := NewWithClient(fake, "")

	req := &provider.Request{
		ResourceID: "res-1",
		Type:       model.TypeCompute,
		SkuName:    "Standard_D2",
		Location:   "WestUS2",
		Properties: map[string]string{"ports": "8080:80"},
	}

	// pull
	resp, err := p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)
	assert.Equal(t, []string{defaultImage}, fake.pulled)

	// create and start
	req.Token = resp.Token
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)
	assert.Equal(t, []string{"c-123"}, fake.started)
	assert.Equal(t, "res-1", fake.created.Labels[provider.TagResourceID])
	assert.Equal(t, int64(2e9), fake.host.Resources.NanoCPUs)
	assert.Contains(t, fake.host.PortBindings, nat.Port("80/tcp"))

	var tok token
	require.NoError(t, json.Unmarshal(resp.Token, &tok))
	assert.Equal(t, stageRunning, tok.Stage)

	// still starting
	req.Token = resp.Token
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, resp.Status)

	fake.running = true
	resp, err = p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, "c-123", resp.ProviderID)
}

func TestContainerConfig_InvalidPorts(t *testing.T) {
	_, _, err := containerConfig(&provider.Request{
		ResourceID: "r",
		Properties: map[string]string{"ports": "not-a-port:x"},
	}, defaultImage)
	assert.Error(t, err)
}

func TestDelete_Container(t *testing.T) {
	fake := &fakeDocker{}
	p := NewWithClient(fake, "")

	resp, err := p.Delete(context.Background(), &provider.Request{ResourceID: "res-1", Type: model.TypeCompute, ProviderID: "c-123"})
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, []string{"c-123"}, fake.removed)
}

func TestList_FiltersByLabel(t *testing.T) {
	fake := &fakeDocker{}
	p := NewWithClient(fake, "")

	res, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "res-1", res[0].ResourceID)
	assert.Equal(t, model.TypeCompute, res[0].Type)
	assert.Equal(t, "res-2", res[1].ResourceID)
	assert.Equal(t, model.TypeStorage, res[1].Type)
	assert.True(t, fake.listOpts.All)
	assert.Equal(t, []string{"managed-by=broker"}, fake.listOpts.Filters.Get("label"))
}
