// Package broker holds the resource lifecycle handlers driven by the
// continuation engine, the warm-pool manager and pool planning.
package broker

// Triggers recorded on a record's operation status.
const (
	TriggerQueueOperation   = "QueueOperation"
	TriggerPreRunOperation  = "PreRunOperation"
	TriggerPostRunOperation = "PostRunOperation"
	TriggerResourceDeleting = "ResourceDeleting"
)

// Reasons recorded on chains started by the broker and its watch tasks.
const (
	ReasonResourceAssignedReplace   = "ResourceAssignedReplace"
	ReasonAllocateCreate            = "AllocateCreate"
	ReasonAllocateRelease           = "AllocateRelease"
	ReasonFailOperationCleanup      = "FailOperationCleanup"
	ReasonWatchPoolSizeIncrease     = "WatchPoolSizeIncrease"
	ReasonWatchPoolSizeDecrease     = "WatchPoolSizeDecrease"
	ReasonWatchPoolSizePoolDisabled = "WatchPoolSizePoolDisabled"
	ReasonWatchPoolVersion          = "WatchPoolVersion"
	ReasonOrphanedPoolResource      = "OrphanedPoolResource"
	ReasonWatchFailedResources      = "WatchFailedResources"
	ReasonWatchOrphanedResources    = "WatchOrphanedResources"
	ReasonResourceNotFound          = "ResourceNotFound"
	ReasonRepositoryDeleteFailed    = "HandlerResourceRepositoryDeleteFailed"
	ReasonProviderNotLoaded         = "ProviderNotLoaded"
	ReasonResourceNotAssigned       = "ResourceNotAssigned"
	ReasonResourceAssigned          = "ResourceAssigned"
	ReasonArchiveNotSupported       = "ArchiveNotSupported"
	ReasonArchiveSourceInvalid      = "ArchiveSourceInvalid"
	ReasonUnsupportedResourceType   = "UnsupportedResourceType"
)

// isPoolDrain reports whether reason marks a delete that shrinks a pool. Such
// a delete only applies to unassigned members.
func isPoolDrain(reason string) bool {
	switch reason {
	case ReasonWatchPoolSizeDecrease, ReasonWatchPoolSizePoolDisabled,
		ReasonWatchPoolVersion, ReasonOrphanedPoolResource:
		return true
	}
	return false
}
