package continuation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/model"
)

func createInput() *Input {
	return &Input{
		Kind:       KindCreateResource,
		ResourceID: "res-1",
		Create: &CreatePayload{
			SkuName:    "Standard_D2",
			Type:       model.TypeCompute,
			Location:   "WestUS2",
			Provider:   "null",
			Properties: map[string]string{"image": "ubuntu"},
		},
	}
}

func TestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *Input)
		wantErr string
	}{
		{"valid create", func(in *Input) {}, ""},
		{"missing resource id", func(in *Input) { in.ResourceID = "" }, "resource id"},
		{"unknown kind", func(in *Input) { in.Kind = "archive" }, "unknown operation kind"},
		{"wrong payload", func(in *Input) { in.Kind = KindDeleteResource }, "exactly its own payload"},
		{"two payloads", func(in *Input) { in.Delete = &DeletePayload{} }, "exactly its own payload"},
		{"missing sku", func(in *Input) { in.Create.SkuName = "" }, "sku name"},
		{"start without environment", func(in *Input) {
			in.Kind = KindStartEnvironment
			in.Create = nil
			in.Start = &StartPayload{}
		}, "environment id"},
		{"archive into itself", func(in *Input) {
			in.Kind = KindStartArchive
			in.Create = nil
			in.Archive = &ArchivePayload{SourceResourceID: in.ResourceID}
		}, "source resource"},
		{"valid archive", func(in *Input) {
			in.Kind = KindStartArchive
			in.Create = nil
			in.Archive = &ArchivePayload{SourceResourceID: "share-1"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createInput()
			tt.mutate(in)
			err := in.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInput_BuildNextInputDoesNotAlias(t *testing.T) {
	in := createInput()
	next := in.BuildNextInput([]byte("T1"))

	assert.Nil(t, in.Token)
	assert.Equal(t, []byte("T1"), next.Token)

	next.Create.Properties["image"] = "alpine"
	assert.Equal(t, "ubuntu", in.Create.Properties["image"])
}

func TestEnvelope_Successor(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewEnvelope("chain-1", createInput(), now)
	assert.Equal(t, model.StateNotStarted, env.Status)
	assert.Equal(t, 0, env.StepCount)

	next := env.Successor(model.StateInProgress, env.Input.BuildNextInput([]byte("T1")), time.Second, now)
	assert.Equal(t, "chain-1", next.ChainID)
	assert.Equal(t, 1, next.StepCount)
	assert.Equal(t, now, next.Created)
	assert.Equal(t, now.Add(time.Second), next.NotBefore)
	assert.NotEqual(t, env.InstanceID, next.InstanceID)

	retry := next.Retry(5*time.Second, now)
	assert.Equal(t, 1, retry.StepCount)
	assert.Equal(t, model.StateInProgress, retry.Status)
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("quota refresh")
	err := Unavailable(30*time.Second, cause)

	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 30*time.Second, ue.RetryAfter)
	assert.ErrorIs(t, err, cause)
}
