package state

import (
	"context"
	"sort"
	"sync"

	"github.com/picklr-io/broker/internal/model"
)

// MemoryStore keeps records and chains in process. It is safe for
// concurrent use and is what tests and local runs use.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*model.ResourceRecord
	chains    map[string]*Chain
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: make(map[string]*model.ResourceRecord),
		chains:    make(map[string]*Chain),
	}
}

func (s *MemoryStore) Create(ctx context.Context, r *model.ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[r.ID]; ok {
		return ErrAlreadyExists
	}
	r.Version = 1
	s.resources[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) CreateOrUpdate(ctx context.Context, r *model.ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if cur, ok := s.resources[r.ID]; ok {
		version = cur.Version
	}
	r.Version = version + 1
	s.resources[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, r *model.ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.resources[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	r.Version = expectedVersion + 1
	s.resources[id] = r.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.resources, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*model.ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ResourceRecord
	for _, r := range s.resources {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sortByCreated(out)
	return limit(out, f.Limit), nil
}

func (s *MemoryStore) CreateChain(ctx context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[c.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *c
	s.chains[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chains[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateChain(ctx context.Context, c *Chain, expectedStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.chains[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Step != expectedStep || cur.Status.IsFinal() {
		return ErrConflict
	}
	cp := *c
	s.chains[c.ID] = &cp
	return nil
}

func sortByCreated(records []*model.ResourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Created.Equal(records[j].Created) {
			return records[i].ID < records[j].ID
		}
		return records[i].Created.Before(records[j].Created)
	})
}
