// Package state persists resource records, continuation chains, watch-task
// leases and pool snapshots. Every write that can race uses a
// compare-and-swap on a version so concurrent workers never lose updates.
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

var (
	// ErrNotFound is returned when a record or chain does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap loses to another writer.
	ErrConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Filter selects resource records. Zero fields match everything.
type Filter struct {
	PoolCode       string
	PoolVersion    string
	NotPoolVersion string
	Assigned       *bool
	Ready          *bool
	Deleted        *bool
	// ExcludeDeleting drops records with a delete chain in flight.
	ExcludeDeleting bool
	IDPrefix        string
	Limit           int
}

// Bool returns a pointer to b, for Filter fields.
func Bool(b bool) *bool {
	return &b
}

// Matches reports whether r passes the filter, ignoring Limit.
func (f Filter) Matches(r *model.ResourceRecord) bool {
	switch {
	case f.PoolCode != "" && r.PoolCode != f.PoolCode:
		return false
	case f.PoolVersion != "" && r.PoolVersion != f.PoolVersion:
		return false
	case f.NotPoolVersion != "" && r.PoolVersion == f.NotPoolVersion:
		return false
	case f.Assigned != nil && r.IsAssigned != *f.Assigned:
		return false
	case f.Ready != nil && r.IsReady != *f.Ready:
		return false
	case f.Deleted != nil && r.IsDeleted != *f.Deleted:
		return false
	case f.ExcludeDeleting && r.IsDeleting():
		return false
	case f.IDPrefix != "" && !strings.HasPrefix(r.ID, f.IDPrefix):
		return false
	}
	return true
}

// Unassigned selects the live unassigned members of a pool.
func Unassigned(poolCode string) Filter {
	return Filter{PoolCode: poolCode, Assigned: Bool(false), Deleted: Bool(false), ExcludeDeleting: true}
}

// ResourceRepository stores resource records keyed by id.
type ResourceRepository interface {
	// Create inserts r with version 1, failing with ErrAlreadyExists.
	Create(ctx context.Context, r *model.ResourceRecord) error

	// CreateOrUpdate writes r unconditionally and bumps its version.
	CreateOrUpdate(ctx context.Context, r *model.ResourceRecord) error

	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.ResourceRecord, error)

	// CompareAndSwap replaces the record only if its stored version equals
	// expectedVersion. On success r.Version holds the new version.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, r *model.ResourceRecord) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id string) error

	// List returns records matching f ordered by creation time.
	List(ctx context.Context, f Filter) ([]*model.ResourceRecord, error)
}

// Update writes r if nobody changed it since it was read.
func Update(ctx context.Context, repo ResourceRepository, r *model.ResourceRecord) error {
	return repo.CompareAndSwap(ctx, r.ID, r.Version, r)
}

// Count returns how many records match f.
func Count(ctx context.Context, repo ResourceRepository, f Filter) (int, error) {
	f.Limit = 0
	records, err := repo.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// PoolCodes returns the distinct pool codes of live unassigned records.
func PoolCodes(ctx context.Context, repo ResourceRepository) ([]string, error) {
	records, err := repo.List(ctx, Filter{Assigned: Bool(false), Deleted: Bool(false)})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var codes []string
	for _, r := range records {
		if r.PoolCode != "" && !seen[r.PoolCode] {
			seen[r.PoolCode] = true
			codes = append(codes, r.PoolCode)
		}
	}
	return codes, nil
}

// Chain tracks one continuation chain for status polling and for rejecting
// stale or duplicate step deliveries.
type Chain struct {
	ID         string               `json:"id"`
	Kind       continuation.Kind    `json:"kind"`
	ResourceID string               `json:"resource_id"`
	Status     model.OperationState `json:"status"`
	Step       int                  `json:"step"`
	Reason     string               `json:"reason,omitempty"`
	Created    time.Time            `json:"created"`
	Updated    time.Time            `json:"updated"`
}

// ChainStore stores chains keyed by id.
type ChainStore interface {
	CreateChain(ctx context.Context, c *Chain) error

	GetChain(ctx context.Context, id string) (*Chain, error)

	// UpdateChain writes c only if the stored chain is still at expectedStep
	// and not finished. Otherwise it returns ErrConflict, which is how a
	// terminal status is written at most once.
	UpdateChain(ctx context.Context, c *Chain, expectedStep int) error
}

func limit(records []*model.ResourceRecord, n int) []*model.ResourceRecord {
	if n > 0 && len(records) > n {
		return records[:n]
	}
	return records
}
