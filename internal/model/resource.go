package model

import (
	"time"
)

// OperationStatus tracks one lifecycle operation on a resource record.
type OperationStatus struct {
	Status  OperationState `json:"status,omitempty"`
	Changed time.Time      `json:"changed,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Trigger string         `json:"trigger,omitempty"`
}

// KeepAlives holds the last time each external system confirmed the resource.
type KeepAlives struct {
	ProviderAlive    time.Time `json:"provider_alive,omitempty"`
	EnvironmentAlive time.Time `json:"environment_alive,omitempty"`
}

// ArchiveDetails records what was copied into an archive storage resource.
type ArchiveDetails struct {
	SourceResourceID string `json:"source_resource_id"`
	SourceProviderID string `json:"source_provider_id,omitempty"`
	SourceSkuName    string `json:"source_sku_name,omitempty"`
	// ObjectID is the provider's id for the archived copy.
	ObjectID  string    `json:"object_id,omitempty"`
	Completed time.Time `json:"completed,omitempty"`
}

// ResourceRecord is the persisted state of a provisioned or in-flight resource.
type ResourceRecord struct {
	ID            string            `json:"id"`
	Type          ResourceType      `json:"type"`
	SkuName       string            `json:"sku_name"`
	Location      string            `json:"location"`
	PoolCode      string            `json:"pool_code,omitempty"`
	PoolVersion   string            `json:"pool_version,omitempty"`
	Provider      string            `json:"provider"`
	ProviderID    string            `json:"provider_id,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Operation     ResourceOperation `json:"operation,omitempty"`
	IsAssigned    bool              `json:"is_assigned"`
	Assigned      time.Time         `json:"assigned,omitempty"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	IsReady       bool              `json:"is_ready"`
	IsDeleted     bool              `json:"is_deleted"`
	Created       time.Time         `json:"created"`

	Provisioning OperationStatus `json:"provisioning"`
	Starting     OperationStatus `json:"starting"`
	CleanUp      OperationStatus `json:"cleanup"`
	Deleting     OperationStatus `json:"deleting"`
	Archiving    OperationStatus `json:"archiving"`

	// Archive is set on storage resources that hold an archived copy.
	Archive *ArchiveDetails `json:"archive,omitempty"`

	DeleteAttemptCount int        `json:"delete_attempt_count"`
	KeepAlives         KeepAlives `json:"keep_alives"`

	// Version is bumped by the repository on every successful write and is
	// the compare-and-swap token for concurrent updates.
	Version int64 `json:"version"`
}

// IsUnassignedPoolMember reports whether the record counts toward its pool's
// unassigned occupancy.
func (r *ResourceRecord) IsUnassignedPoolMember() bool {
	return !r.IsAssigned && !r.IsDeleted
}

// IsDeleting reports whether a delete chain has been started for the record.
func (r *ResourceRecord) IsDeleting() bool {
	return r.Operation == OperationDeleting && r.Deleting.Status != "" && !r.Deleting.Status.IsFailure()
}

// StatusFor returns a pointer to the status block for op.
func (r *ResourceRecord) StatusFor(op ResourceOperation) *OperationStatus {
	switch op {
	case OperationProvisioning, OperationInitializing:
		return &r.Provisioning
	case OperationStarting:
		return &r.Starting
	case OperationCleanUp:
		return &r.CleanUp
	case OperationDeleting:
		return &r.Deleting
	case OperationArchiving:
		return &r.Archiving
	}
	return nil
}

// UpdateStatus moves op to state and makes it the current operation. It
// returns false when nothing changed or the transition is not allowed: a
// finished operation only restarts through Initialized, so a terminal status
// is never overwritten by a late InProgress.
func (r *ResourceRecord) UpdateStatus(op ResourceOperation, state OperationState, trigger string, now time.Time) bool {
	st := r.StatusFor(op)
	if st == nil {
		return false
	}
	if st.Status == state && r.Operation == op {
		return false
	}
	if st.Status.IsFinal() && state != StateInitialized && state != StateNotStarted {
		return false
	}
	st.Status = state
	st.Changed = now
	st.Trigger = trigger
	if state.IsFailure() {
		st.Reason = trigger
	}
	r.Operation = op
	return true
}

// Clone returns a deep copy of the record.
func (r *ResourceRecord) Clone() *ResourceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Archive != nil {
		a := *r.Archive
		c.Archive = &a
	}
	if r.Properties != nil {
		c.Properties = make(map[string]string, len(r.Properties))
		for k, v := range r.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}
