package tree

import (
	"context"
	"errors"
	"testing"
)

func TestEnsureRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.sync.EnsureRoot(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsRoot || !root.IsDir() || root.Parent != nil || root.Key() != "42" {
		t.Errorf("unexpected root: %+v", root)
	}
	if !f.backend.Has("42") {
		t.Error("expected backing directory")
	}

	again, err := f.sync.EnsureRoot(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != root.ID {
		t.Errorf("EnsureRoot must be idempotent: %d != %d", again.ID, root.ID)
	}

	other, err := f.sync.EnsureRoot(ctx, 43)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == root.ID {
		t.Error("owners must get distinct roots")
	}
}

func TestEnsureRootRecreatesBackingDirectory(t *testing.T) {
	f := newFixture(t)
	root := f.root(t, 7)
	f.backend.Delete("7")

	again := f.root(t, 7)
	if again.ID != root.ID || !f.backend.Has("7") {
		t.Error("expected same root with backing directory restored")
	}
}

func TestEnsureRootRejectsFile(t *testing.T) {
	f := newFixture(t)
	f.backend.WriteFile("9", 1)
	if _, err := f.sync.EnsureRoot(context.Background(), 9); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}
