package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/model"
	"github.com/picklr-io/broker/pkg/provider"
)

// Provider conformance suite.
// A provider must drive Create -> List -> Start -> Cleanup -> Delete through
// repeated calls, feeding each response's token into the next request.

func drive(t *testing.T, call func(context.Context, *provider.Request) (*provider.Response, error), req *provider.Request) (*provider.Response, int) {
	t.Helper()
	ctx := context.Background()
	for calls := 1; calls <= 10; calls++ {
		resp, err := call(ctx, req)
		require.NoError(t, err)
		if resp.Status.IsFinal() {
			return resp, calls
		}
		assert.Equal(t, model.StateInProgress, resp.Status)
		req.Token = resp.Token
	}
	t.Fatal("operation did not finish")
	return nil, 0
}

func TestConformance_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New(Config{Steps: 2})

	req := &provider.Request{
		ResourceID: "res-1",
		Type:       model.TypeCompute,
		SkuName:    "Standard_D2",
		Location:   "WestUS2",
	}

	// 1. Create takes two calls, the first returning T1.
	first, err := p.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StateInProgress, first.Status)
	assert.Equal(t, []byte("T1"), first.Token)

	req.Token = first.Token
	resp, calls := drive(t, p.Create, req)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.StateSucceeded, resp.Status)
	assert.Equal(t, "null-res-1", resp.ProviderID)

	// 2. List sees it.
	listed, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "res-1", listed[0].ResourceID)

	// 3. Start and Cleanup.
	req.Token = nil
	req.ProviderID = resp.ProviderID
	resp, _ = drive(t, p.Start, req)
	assert.Equal(t, model.StateSucceeded, resp.Status)

	req.Token = nil
	resp, _ = drive(t, p.Cleanup, req)
	assert.Equal(t, model.StateSucceeded, resp.Status)

	// 4. Delete removes it.
	req.Token = nil
	resp, _ = drive(t, p.Delete, req)
	assert.Equal(t, model.StateSucceeded, resp.Status)

	listed, err = p.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestProvider_FailSkus(t *testing.T) {
	p := New(Config{Steps: 1, FailSkus: map[string]bool{"Standard_M128": true}})
	resp, err := p.Create(context.Background(), &provider.Request{ResourceID: "r", SkuName: "Standard_M128", Location: "WestUS2"})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, resp.Status)
	assert.Contains(t, resp.ErrorReason, "Standard_M128")
}

func TestProvider_StartRequiresCompute(t *testing.T) {
	p := New(Config{Steps: 1})
	resp, err := p.Start(context.Background(), &provider.Request{ResourceID: "r", Type: model.TypeStorage})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, resp.Status)
}

func TestProvider_Archive(t *testing.T) {
	var _ provider.Archiver = (*Provider)(nil)

	target := &provider.Request{ResourceID: "blob-1", Type: model.TypeStorage, ProviderID: "null-blob-1"}
	tests := []struct {
		name   string
		source provider.Request
		want   model.OperationState
	}{
		{"storage", provider.Request{ResourceID: "share-1", Type: model.TypeStorage, ProviderID: "null-share-1"}, model.StateSucceeded},
		{"compute", provider.Request{ResourceID: "vm-1", Type: model.TypeCompute, ProviderID: "null-vm-1"}, model.StateFailed},
		{"not provisioned", provider.Request{ResourceID: "share-2", Type: model.TypeStorage}, model.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Config{Steps: 2})
			req := *target
			resp, _ := drive(t, func(ctx context.Context, r *provider.Request) (*provider.Response, error) {
				return p.Archive(ctx, r, &tt.source)
			}, &req)
			assert.Equal(t, tt.want, resp.Status)
			if tt.want == model.StateSucceeded {
				assert.Equal(t, "null-blob-1/share-1", resp.ProviderID)
			}
		})
	}
}

func TestConfigFromSettings(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		want     Config
		wantErr  bool
	}{
		{"defaults", nil, Config{Steps: 2}, false},
		{"custom", map[string]string{"steps": "3", "delay": "50ms"}, Config{Steps: 3, Delay: 50_000_000}, false},
		{"fail skus", map[string]string{"fail_skus": "a, b"}, Config{Steps: 2, FailSkus: map[string]bool{"a": true, "b": true}}, false},
		{"bad steps", map[string]string{"steps": "0"}, Config{}, true},
		{"bad delay", map[string]string{"delay": "soon"}, Config{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfigFromSettings(tt.settings)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
