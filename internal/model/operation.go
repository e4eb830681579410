package model

// OperationState is the status of a continuation chain or of one operation
// on a resource record.
type OperationState string

const (
	StateNotStarted  OperationState = "NotStarted"
	StateInitialized OperationState = "Initialized"
	StateInProgress  OperationState = "InProgress"
	StateSucceeded   OperationState = "Succeeded"
	StateFailed      OperationState = "Failed"
	StateCancelled   OperationState = "Cancelled"
)

// IsFinal reports whether no further steps follow this state.
func (s OperationState) IsFinal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsFailure reports whether the state ends the operation unsuccessfully.
func (s OperationState) IsFailure() bool {
	return s == StateFailed || s == StateCancelled
}

// ResourceOperation is the lifecycle operation currently driving a resource.
type ResourceOperation string

const (
	OperationProvisioning ResourceOperation = "Provisioning"
	OperationStarting     ResourceOperation = "Starting"
	OperationInitializing ResourceOperation = "Initializing"
	OperationCleanUp      ResourceOperation = "CleanUp"
	OperationDeleting     ResourceOperation = "Deleting"
	OperationArchiving    ResourceOperation = "Archiving"
)

// ResourceType is the broad class of a pooled resource.
type ResourceType string

const (
	TypeCompute ResourceType = "compute"
	TypeStorage ResourceType = "storage"
	TypeNetwork ResourceType = "network"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case TypeCompute, TypeStorage, TypeNetwork:
		return true
	}
	return false
}
