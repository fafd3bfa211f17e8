package tree

import (
	"context"
	"sync"
	"testing"

	"github.com/fruitsalade/fileserver/internal/metadata"
	metamemory "github.com/fruitsalade/fileserver/internal/metadata/memory"
	"github.com/fruitsalade/fileserver/internal/snowflake"
	stormemory "github.com/fruitsalade/fileserver/internal/storage/memory"
)

type fixture struct {
	store   *metamemory.Store
	backend *stormemory.Backend
	sync    *Synchronizer
	deleter *Deleter
	ids     *snowflake.Allocator
	seen    *recorder
}

// recorder is an Observer that keeps every call.
type recorder struct {
	mu      sync.Mutex
	synced  []Result
	deleted [][]int64
}

func (r *recorder) Synced(_ *metadata.Entry, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, res)
}

func (r *recorder) Deleted(_ *metadata.Entry, ids []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	alloc, err := snowflake.New(1, snowflake.DefaultEpoch)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:   metamemory.New(),
		backend: stormemory.New(),
		ids:     alloc,
		seen:    &recorder{},
	}
	f.sync = NewSynchronizer(f.store, f.backend, alloc)
	f.sync.SetObserver(f.seen)
	f.deleter = NewDeleter(f.store, f.backend)
	f.deleter.SetObserver(f.seen)
	return f
}

func (f *fixture) root(t *testing.T, owner int64) *metadata.Entry {
	t.Helper()
	root, err := f.sync.EnsureRoot(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func (f *fixture) mustSync(t *testing.T, e *metadata.Entry) Result {
	t.Helper()
	res, err := f.sync.Synchronize(context.Background(), e)
	if err != nil {
		t.Fatalf("synchronize %s: %v", e.Key(), err)
	}
	return res
}

// lookup returns the entry stored at key for owner, or nil.
func (f *fixture) lookup(t *testing.T, owner int64, directory, basename string) *metadata.Entry {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	e, err := tx.FindByPath(ctx, owner, directory, basename)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) mustLookup(t *testing.T, owner int64, directory, basename string) *metadata.Entry {
	t.Helper()
	e := f.lookup(t, owner, directory, basename)
	if e == nil {
		t.Fatalf("no entry for %s/%s", directory, basename)
	}
	return e
}

func (f *fixture) count(t *testing.T, rootID int64) int {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	rows, err := tx.Subtree(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	return len(rows)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
