package tree

import (
	"context"
	"errors"
	"testing"
)

func TestSynchronizeAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.root(t, 1)
	f.root(t, 2)
	f.root(t, 3)
	f.backend.WriteFile("1/a.txt", 1)
	f.backend.WriteFile("2/bad/b.txt", 2)
	f.backend.WriteFile("3/c.txt", 3)
	ioErr := errors.New("i/o error")
	f.backend.Fail("2/bad", ioErr)

	total, err := f.sync.SynchronizeAll(context.Background())
	if !errors.Is(err, ioErr) {
		t.Fatalf("expected joined injected error, got %v", err)
	}
	if total.Created != 2 {
		t.Errorf("expected 2 created across healthy roots, got %+v", total)
	}
	if f.lookup(t, 1, "1", "a.txt") == nil || f.lookup(t, 3, "3", "c.txt") == nil {
		t.Error("healthy roots should be indexed")
	}
	if f.lookup(t, 2, "2", "bad") != nil {
		t.Error("failed root should be rolled back")
	}
	if len(f.seen.synced) != 2 {
		t.Errorf("expected 2 Synced notifications, got %d", len(f.seen.synced))
	}
}

func TestSynchronizeAllStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.root(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.sync.SynchronizeAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
