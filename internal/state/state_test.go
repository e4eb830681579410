package state

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

type store interface {
	ResourceRepository
	ChainStore
}

func stores(t *testing.T) map[string]store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func record(id, pool string, created time.Time) *model.ResourceRecord {
	return &model.ResourceRecord{
		ID:       id,
		Type:     model.TypeCompute,
		SkuName:  "Standard_D2",
		Location: "WestUS2",
		PoolCode: pool,
		Provider: "null",
		Created:  created,
	}
}

func TestRepository_CreateGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := record("r1", "p1", time.Now())
			r.Properties = map[string]string{"tier": "gold"}

			require.NoError(t, s.Create(ctx, r))
			assert.Equal(t, int64(1), r.Version)
			assert.ErrorIs(t, s.Create(ctx, record("r1", "p1", time.Now())), ErrAlreadyExists)

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "gold", got.Properties["tier"])
			assert.Equal(t, int64(1), got.Version)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepository_CompareAndSwap(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, record("r1", "p1", time.Now())))

			first, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			second, err := s.Get(ctx, "r1")
			require.NoError(t, err)

			first.IsAssigned = true
			require.NoError(t, Update(ctx, s, first))
			assert.Equal(t, int64(2), first.Version)

			second.IsReady = true
			assert.ErrorIs(t, Update(ctx, s, second), ErrConflict)

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, got.IsAssigned)
			assert.False(t, got.IsReady)

			assert.ErrorIs(t, s.CompareAndSwap(ctx, "missing", 1, record("missing", "", time.Now())), ErrNotFound)
		})
	}
}

func TestRepository_CreateOrUpdate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := record("r1", "p1", time.Now())
			require.NoError(t, s.CreateOrUpdate(ctx, r))
			assert.Equal(t, int64(1), r.Version)

			r.IsReady = true
			require.NoError(t, s.CreateOrUpdate(ctx, r))
			assert.Equal(t, int64(2), r.Version)

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.True(t, got.IsReady)
		})
	}
}

func TestRepository_ListFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			a := record("a", "p1", base)
			a.PoolVersion = "v1"
			b := record("b", "p1", base.Add(time.Minute))
			b.PoolVersion = "v2"
			b.IsAssigned = true
			c := record("c", "p1", base.Add(2*time.Minute))
			c.PoolVersion = "v1"
			c.Operation = model.OperationDeleting
			c.Deleting.Status = model.StateInProgress
			d := record("d", "p2", base.Add(3*time.Minute))

			for _, r := range []*model.ResourceRecord{d, c, b, a} {
				require.NoError(t, s.Create(ctx, r))
			}

			ids := func(f Filter) []string {
				records, err := s.List(ctx, f)
				require.NoError(t, err)
				var out []string
				for _, r := range records {
					out = append(out, r.ID)
				}
				return out
			}

			assert.Equal(t, []string{"a", "b", "c", "d"}, ids(Filter{}))
			assert.Equal(t, []string{"a", "b", "c"}, ids(Filter{PoolCode: "p1"}))
			assert.Equal(t, []string{"a"}, ids(Unassigned("p1")))
			assert.Equal(t, []string{"a", "c"}, ids(Filter{PoolCode: "p1", PoolVersion: "v1"}))
			assert.Equal(t, []string{"b"}, ids(Filter{PoolCode: "p1", NotPoolVersion: "v1"}))
			assert.Equal(t, []string{"a", "b"}, ids(Filter{Limit: 2}))

			n, err := Count(ctx, s, Filter{PoolCode: "p1", Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			codes, err := PoolCodes(ctx, s)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"p1", "p2"}, codes)

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "a"))
			assert.Empty(t, ids(Unassigned("p1")))
		})
	}
}

func TestRepository_ConcurrentClaimsOneWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, record("r1", "p1", time.Now())))

			var wins, conflicts int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := s.Get(ctx, "r1")
					if err != nil {
						return
					}
					if r.IsAssigned {
						atomic.AddInt32(&conflicts, 1)
						return
					}
					r.IsAssigned = true
					switch err := Update(ctx, s, r); err {
					case nil:
						atomic.AddInt32(&wins, 1)
					case ErrConflict:
						atomic.AddInt32(&conflicts, 1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins)
			assert.Equal(t, int32(7), conflicts)
		})
	}
}

func TestChainStore_TerminalWrittenOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			c := &Chain{
				ID:         "c1",
				Kind:       continuation.KindCreateResource,
				ResourceID: "r1",
				Status:     model.StateNotStarted,
				Created:    now,
				Updated:    now,
			}
			require.NoError(t, s.CreateChain(ctx, c))
			assert.ErrorIs(t, s.CreateChain(ctx, c), ErrAlreadyExists)

			next := *c
			next.Step = 1
			next.Status = model.StateInProgress
			require.NoError(t, s.UpdateChain(ctx, &next, 0))

			// A redelivered step 0 loses.
			stale := *c
			stale.Step = 1
			stale.Status = model.StateFailed
			assert.ErrorIs(t, s.UpdateChain(ctx, &stale, 0), ErrConflict)

			done := next
			done.Step = 2
			done.Status = model.StateSucceeded
			require.NoError(t, s.UpdateChain(ctx, &done, 1))

			again := done
			again.Step = 3
			again.Status = model.StateFailed
			assert.ErrorIs(t, s.UpdateChain(ctx, &again, 2), ErrConflict)

			got, err := s.GetChain(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, model.StateSucceeded, got.Status)
			assert.Equal(t, 2, got.Step)

			_, err = s.GetChain(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateChain(ctx, &Chain{ID: "missing"}, 0), ErrNotFound)
		})
	}
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	_, err := NewBackend(ctx, nil)
	assert.EqualError(t, err, "backend configuration is nil")

	_, err = NewBackend(ctx, &BackendConfig{Type: "etcd"})
	assert.EqualError(t, err, "unknown backend type: etcd")

	_, err = NewBackend(ctx, &BackendConfig{Type: "sqlite"})
	assert.ErrorContains(t, err, "path")

	_, err = NewBackend(ctx, &BackendConfig{Type: "dynamodb"})
	assert.ErrorContains(t, err, "resources_table")

	b, err := NewBackend(ctx, &BackendConfig{Type: "memory"})
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	dir := t.TempDir()
	b, err = NewBackend(ctx, &BackendConfig{Type: "sqlite", Path: filepath.Join(dir, "broker.db")})
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &FileLocker{}, b.Locker)
}
