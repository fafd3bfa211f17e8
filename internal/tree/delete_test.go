package tree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/fileserver/internal/metadata"
)

func TestDeleteKeepsBlockedBranch(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/A/B", 1)
	f.backend.MakeDir(context.Background(), "7/A/C")
	f.mustSync(t, root)
	f.backend.Deny("7/A/B")

	a := f.mustLookup(t, 7, "7", "A")
	c := f.mustLookup(t, 7, "7/A", "C")

	deleted, err := f.deleter.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0] != c.ID {
		t.Fatalf("expected only C (%d) deleted, got %v", c.ID, deleted)
	}
	if f.lookup(t, 7, "7", "A") == nil || f.lookup(t, 7, "7/A", "B") == nil {
		t.Error("A and B must remain in the index")
	}
	if f.lookup(t, 7, "7/A", "C") != nil {
		t.Error("C must be removed from the index")
	}
	if !f.backend.Has("7/A/B") || f.backend.Has("7/A/C") {
		t.Errorf("unexpected storage state: %s", f.backend)
	}
}

func TestDeleteBlockPropagatesToEveryAncestor(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/A/X/Y/locked", 1)
	f.backend.WriteFile("7/A/X/free", 1)
	f.backend.WriteFile("7/A/Z/g", 1)
	f.mustSync(t, root)
	f.backend.Deny("7/A/X/Y/locked")

	a := f.mustLookup(t, 7, "7", "A")
	z := f.mustLookup(t, 7, "7/A", "Z")
	g := f.mustLookup(t, 7, "7/A/Z", "g")
	free := f.mustLookup(t, 7, "7/A/X", "free")

	deleted, err := f.deleter.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{z.ID, g.ID, free.ID} {
		if !containsID(deleted, id) {
			t.Errorf("expected %d in deleted %v", id, deleted)
		}
	}
	if len(deleted) != 3 {
		t.Errorf("expected 3 deleted, got %v", deleted)
	}
	for _, key := range [][2]string{{"7", "A"}, {"7/A", "X"}, {"7/A/X", "Y"}, {"7/A/X/Y", "locked"}} {
		if f.lookup(t, 7, key[0], key[1]) == nil {
			t.Errorf("%s/%s must remain", key[0], key[1])
		}
	}
}

func TestDeleteWholeSubtree(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/A/a", 1)
	f.backend.WriteFile("7/A/sub/b", 1)
	f.backend.WriteFile("7/keep", 1)
	f.mustSync(t, root)

	a := f.mustLookup(t, 7, "7", "A")
	deleted, err := f.deleter.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 4 {
		t.Fatalf("expected 4 deleted, got %v", deleted)
	}
	if deleted[len(deleted)-1] != a.ID {
		t.Errorf("target must be deleted last, got %v", deleted)
	}
	if f.backend.Has("7/A") || !f.backend.Has("7/keep") {
		t.Errorf("unexpected storage state: %s", f.backend)
	}
	if n := f.count(t, root.ID); n != 2 {
		t.Errorf("expected root and keep left, got %d rows", n)
	}
	if len(f.seen.deleted) != 1 || len(f.seen.deleted[0]) != 4 {
		t.Errorf("observer: unexpected calls %v", f.seen.deleted)
	}
}

func TestDeleteTreatsAbsentAsRemoved(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/A/a", 1)
	f.mustSync(t, root)
	f.backend.Delete("7/A")

	a := f.mustLookup(t, 7, "7", "A")
	deleted, err := f.deleter.Delete(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Errorf("expected 2 deleted, got %v", deleted)
	}
}

func TestDeleteAbortsOnOtherError(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/A/a", 1)
	f.backend.WriteFile("7/A/b", 1)
	f.mustSync(t, root)
	ioErr := errors.New("i/o error")
	f.backend.Fail("7/A/b", ioErr)

	a := f.mustLookup(t, 7, "7", "A")
	if _, err := f.deleter.Delete(context.Background(), a.ID); !errors.Is(err, ioErr) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if n := f.count(t, a.ID); n != 3 {
		t.Errorf("nothing may be committed, got %d rows under A", n)
	}
	if len(f.seen.deleted) != 0 {
		t.Error("observer must not see an aborted delete")
	}
}

func TestDeleteFile(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.WriteFile("7/a", 1)
	f.backend.WriteFile("7/gone", 1)
	f.backend.WriteFile("7/locked", 1)
	f.mustSync(t, root)
	f.backend.Delete("7/gone")
	f.backend.Deny("7/locked")
	ctx := context.Background()

	a := f.mustLookup(t, 7, "7", "a")
	deleted, err := f.deleter.Delete(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0] != a.ID || f.backend.Has("7/a") {
		t.Errorf("expected a removed, got %v", deleted)
	}

	gone := f.mustLookup(t, 7, "7", "gone")
	if _, err := f.deleter.Delete(ctx, gone.ID); err != nil {
		t.Errorf("already-absent file should delete cleanly: %v", err)
	}

	locked := f.mustLookup(t, 7, "7", "locked")
	if _, err := f.deleter.Delete(ctx, locked.ID); err == nil {
		t.Error("denied file removal must fail")
	}
	if f.lookup(t, 7, "7", "locked") == nil {
		t.Error("denied file must stay indexed")
	}
}

func TestDeleteRejectsRootAndUnknown(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	ctx := context.Background()

	if _, err := f.deleter.Delete(ctx, root.ID); !errors.Is(err, ErrCannotDeleteRoot) {
		t.Errorf("expected ErrCannotDeleteRoot, got %v", err)
	}
	if _, err := f.deleter.Delete(ctx, 424242); !errors.Is(err, metadata.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// A row of unknown kind is left alone together with its backing object.
	f.backend.WriteFile("7/odd", 1)
	id, err := f.ids.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	odd := &metadata.Entry{
		ID:        id,
		Kind:      metadata.KindUnknown,
		Parent:    &root.ID,
		Owner:     7,
		Directory: "7",
		Basename:  "odd",
		Created:   time.Now(),
		Exists:    true,
	}
	if err := tx.Insert(ctx, odd); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	deleted, err := f.deleter.Delete(ctx, id)
	if !errors.Is(err, errUnknownKind) {
		t.Errorf("expected errUnknownKind, got deleted=%v err=%v", deleted, err)
	}
	if !f.backend.Has("7/odd") {
		t.Error("backing object of an unknown-kind entry must stay")
	}
	if f.lookup(t, 7, "7", "odd") == nil {
		t.Error("unknown-kind entry must stay indexed")
	}
}
