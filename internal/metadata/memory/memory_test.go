package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/fileserver/internal/metadata"
)

func ptr(v int64) *int64 { return &v }

// seed builds root(1) -> a(2) -> {b(3) dir, f(4) file}, b -> g(5) file.
func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	now := time.Now()
	rows := []metadata.Entry{
		{ID: 1, Kind: metadata.KindDir, Owner: 7, Directory: "", Basename: "7", IsRoot: true, Exists: true, Created: now},
		{ID: 2, Kind: metadata.KindDir, Parent: ptr(1), Owner: 7, Directory: "7", Basename: "a", Exists: true, Created: now},
		{ID: 3, Kind: metadata.KindDir, Parent: ptr(2), Owner: 7, Directory: "7/a", Basename: "b", Exists: true, Created: now},
		{ID: 4, Kind: metadata.KindFile, Parent: ptr(2), Owner: 7, Directory: "7/a", Basename: "f", Exists: true, Created: now},
		{ID: 5, Kind: metadata.KindFile, Parent: ptr(3), Owner: 7, Directory: "7/a/b", Basename: "g", Exists: true, Created: now},
	}
	for i := range rows {
		if err := tx.Insert(ctx, &rows[i]); err != nil {
			t.Fatalf("insert %d: %v", rows[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSubtreeDeepestFirst(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	entries, err := tx.Subtree(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	want := []int64{5, 4, 3, 2}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestMarkMissingCountsTransitions(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	n, err := tx.MarkMissing(ctx, 1, []int64{1, 2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows marked, got %d", n)
	}
	n, _ = tx.MarkMissing(ctx, 1, []int64{1, 2, 4})
	if n != 0 {
		t.Errorf("already-missing rows must not be counted again, got %d", n)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	g, _ := s.Get(ctx, 5)
	if g.Exists {
		t.Error("expected entry 5 to be flagged missing")
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	if _, err := tx.DeleteEntries(ctx, []int64{5, 3}); err != nil {
		t.Fatal(err)
	}
	tx.Rollback()

	if _, err := s.Get(ctx, 5); err != nil {
		t.Errorf("rolled back delete should leave entry 5, got %v", err)
	}
}

func TestDeleteEntriesRejectsOrphans(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	defer tx.Rollback()
	if _, err := tx.DeleteEntries(ctx, []int64{3}); err == nil {
		t.Error("expected error deleting a parent with a surviving child")
	}
}

func TestInsertRejectsSecondRoot(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	defer tx.Rollback()
	err := tx.Insert(ctx, &metadata.Entry{ID: 99, Kind: metadata.KindDir, Owner: 7, Basename: "other", IsRoot: true})
	if err == nil {
		t.Error("expected second root for the same owner to be rejected")
	}
}

func TestListenersForChain(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	for _, ref := range []int64{1, 2, 3, 5} {
		s.AddListener(ctx, &metadata.Listener{
			ID: uuid.New(), EventName: metadata.EventCreated, Endpoint: "http://x",
			RefTable: metadata.RefTableEntries, RefID: ref, Owner: 7,
		})
	}

	ls, err := s.ListenersForChain(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	// 4 is a file under a(2) under root(1): listeners on 1 and 2 only.
	if len(ls) != 2 {
		t.Errorf("expected 2 listeners, got %d", len(ls))
	}

	ls, _ = s.ListenersByRef(ctx, []int64{3, 5})
	if len(ls) != 2 {
		t.Errorf("expected 2 listeners by ref, got %d", len(ls))
	}
}

func TestGetNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), 1); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
