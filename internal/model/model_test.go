package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationState_IsFinal(t *testing.T) {
	tests := []struct {
		state OperationState
		final bool
	}{
		{StateNotStarted, false},
		{StateInitialized, false},
		{StateInProgress, false},
		{StateSucceeded, true},
		{StateFailed, true},
		{StateCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.final, tt.state.IsFinal())
		})
	}
}

func TestUpdateStatus_TerminalIsNotReentered(t *testing.T) {
	now := time.Now()
	r := &ResourceRecord{ID: "r1"}

	assert.True(t, r.UpdateStatus(OperationProvisioning, StateInitialized, "QueueOperation", now))
	assert.True(t, r.UpdateStatus(OperationProvisioning, StateInProgress, "PreRunOperation", now))
	assert.True(t, r.UpdateStatus(OperationProvisioning, StateSucceeded, "PostRunOperation", now))

	// A late step must not drag a finished operation back to InProgress.
	assert.False(t, r.UpdateStatus(OperationProvisioning, StateInProgress, "PreRunOperation", now))
	assert.Equal(t, StateSucceeded, r.Provisioning.Status)

	// A new chain restarts through Initialized.
	assert.True(t, r.UpdateStatus(OperationProvisioning, StateInitialized, "QueueOperation", now))
}

func TestUpdateStatus_FailureRecordsReason(t *testing.T) {
	r := &ResourceRecord{}
	require.True(t, r.UpdateStatus(OperationDeleting, StateFailed, "PostRunOperationQuotaExceeded", time.Now()))
	assert.Equal(t, "PostRunOperationQuotaExceeded", r.Deleting.Reason)
	assert.Equal(t, OperationDeleting, r.Operation)
}

func TestClone_IsDeep(t *testing.T) {
	r := &ResourceRecord{ID: "r1", Properties: map[string]string{"image": "a"}, Archive: &ArchiveDetails{SourceResourceID: "s1"}}
	c := r.Clone()
	c.Properties["image"] = "b"
	c.Archive.ObjectID = "blob"
	assert.Equal(t, "a", r.Properties["image"])
	assert.Empty(t, r.Archive.ObjectID)
}

func TestPoolDefinition_EffectiveVersion(t *testing.T) {
	d := PoolDefinition{Type: TypeCompute, SkuName: "Standard_D2", Location: "WestUS2", Provider: "null",
		Properties: map[string]string{"image": "ubuntu:22.04"}}
	v1 := d.EffectiveVersion()
	assert.Len(t, v1, 12)
	assert.Equal(t, v1, d.EffectiveVersion())

	d.Properties["image"] = "ubuntu:24.04"
	assert.NotEqual(t, v1, d.EffectiveVersion())

	d.Version = "v7"
	assert.Equal(t, "v7", d.EffectiveVersion())
}

func TestPoolDefinition_Defaults(t *testing.T) {
	d := PoolDefinition{Type: TypeCompute, SkuName: "Standard_D2", Location: "WestUS2"}
	assert.Equal(t, "compute_standard_d2_westus2", d.EffectiveCode())
	assert.Equal(t, DefaultMaxCreateBatch, d.CreateBatch())
	assert.Equal(t, DefaultMaxDeleteBatch, d.DeleteBatch())
	assert.Equal(t, ReturnDestroy, d.Policy())
}
