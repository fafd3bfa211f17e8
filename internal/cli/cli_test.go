package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/fruitsalade/fileserver/internal/events"
	"github.com/fruitsalade/fileserver/internal/metadata"
	metamemory "github.com/fruitsalade/fileserver/internal/metadata/memory"
	"github.com/fruitsalade/fileserver/internal/snowflake"
	stormemory "github.com/fruitsalade/fileserver/internal/storage/memory"
)

func setupTestApp(t *testing.T) (*App, *metamemory.Store, *stormemory.Backend) {
	t.Helper()
	ids, err := snowflake.New(1, snowflake.DefaultEpoch)
	if err != nil {
		t.Fatal(err)
	}
	store := metamemory.New()
	backend := stormemory.New()
	app := NewApp(store, backend, ids, events.New(store, events.Config{}), &bytes.Buffer{}, &bytes.Buffer{})
	t.Cleanup(func() { app.Close() })
	return app, store, backend
}

func run(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	out := app.Out.(*bytes.Buffer)
	out.Reset()
	cmd := newRootCmd(NewTestProvider(app))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func findEntry(t *testing.T, store *metamemory.Store, owner int64, directory, basename string) *metadata.Entry {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	e, err := tx.FindByPath(ctx, owner, directory, basename)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatalf("no entry at %s/%s", directory, basename)
	}
	return e
}

func TestRootEnsure(t *testing.T) {
	app, store, backend := setupTestApp(t)

	out, err := run(t, app, "root", "ensure", "7")
	if err != nil {
		t.Fatalf("root ensure failed: %v", err)
	}
	root, err := store.FindRoot(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Root "+strconv.FormatInt(root.ID, 10)) {
		t.Errorf("unexpected output %q", out)
	}
	if !backend.Has("7") {
		t.Error("expected backing root directory")
	}

	// Second call is a no-op returning the same root.
	out, err = run(t, app, "root", "ensure", "7")
	if err != nil || !strings.Contains(out, strconv.FormatInt(root.ID, 10)) {
		t.Errorf("second ensure: %q, %v", out, err)
	}
}

func TestRootEnsureRejectsBadOwner(t *testing.T) {
	app, _, _ := setupTestApp(t)
	if _, err := run(t, app, "root", "ensure", "bob"); err == nil {
		t.Error("expected error for non-numeric owner")
	}
}

func TestSyncThenDelete(t *testing.T) {
	app, store, backend := setupTestApp(t)
	if _, err := run(t, app, "root", "ensure", "7"); err != nil {
		t.Fatal(err)
	}
	backend.WriteFile("7/docs/a.txt", 10)
	root, _ := store.FindRoot(context.Background(), 7)

	out, err := run(t, app, "sync", strconv.FormatInt(root.ID, 10))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !strings.Contains(out, "created 2, updated 0, missing 0") {
		t.Errorf("unexpected sync output %q", out)
	}

	docs := findEntry(t, store, 7, "7", "docs")
	out, err = run(t, app, "delete", strconv.FormatInt(docs.ID, 10))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !strings.Contains(out, "Deleted 2 entries") {
		t.Errorf("unexpected delete output %q", out)
	}
	if backend.Has("7/docs") {
		t.Error("expected backing directory to be removed")
	}
}

func TestSyncAllJSON(t *testing.T) {
	app, _, backend := setupTestApp(t)
	for _, owner := range []string{"1", "2"} {
		if _, err := run(t, app, "root", "ensure", owner); err != nil {
			t.Fatal(err)
		}
	}
	backend.WriteFile("2/x.bin", 3)

	out, err := run(t, app, "--json", "sync", "--all")
	if err != nil {
		t.Fatalf("sync --all failed: %v", err)
	}
	var got []syncOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(got))
	}
	created := got[0].Result.Created + got[1].Result.Created
	if created != 1 {
		t.Errorf("expected 1 created entry, got %d", created)
	}
}

func TestSyncArgs(t *testing.T) {
	app, _, _ := setupTestApp(t)
	if _, err := run(t, app, "sync"); err == nil {
		t.Error("expected error without targets")
	}
	if _, err := run(t, app, "sync", "--all", "12"); err == nil {
		t.Error("expected error with both ids and --all")
	}
	if _, err := run(t, app, "sync", "999"); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestDeleteRootRefused(t *testing.T) {
	app, store, _ := setupTestApp(t)
	if _, err := run(t, app, "root", "ensure", "3"); err != nil {
		t.Fatal(err)
	}
	root, _ := store.FindRoot(context.Background(), 3)
	if _, err := run(t, app, "delete", strconv.FormatInt(root.ID, 10)); err == nil {
		t.Error("expected root delete to fail")
	}
}

func TestIDNewAndDecompose(t *testing.T) {
	app, _, _ := setupTestApp(t)

	out, err := run(t, app, "id", "new", "-n", "3")
	if err != nil {
		t.Fatalf("id new failed: %v", err)
	}
	lines := strings.Fields(out)
	if len(lines) != 3 {
		t.Fatalf("expected 3 ids, got %q", out)
	}
	seen := map[string]bool{}
	for _, l := range lines {
		if seen[l] {
			t.Errorf("duplicate id %s", l)
		}
		seen[l] = true
	}

	out, err = run(t, app, "--json", "id", "decompose", lines[0])
	if err != nil {
		t.Fatalf("id decompose failed: %v", err)
	}
	var d decomposed
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if d.MachineID != 1 {
		t.Errorf("expected machine 1, got %d", d.MachineID)
	}
	if d.Time.IsZero() {
		t.Error("expected a time")
	}
}

func TestListenerAdd(t *testing.T) {
	app, store, _ := setupTestApp(t)
	if _, err := run(t, app, "root", "ensure", "5"); err != nil {
		t.Fatal(err)
	}
	root, _ := store.FindRoot(context.Background(), 5)
	id := strconv.FormatInt(root.ID, 10)

	if _, err := run(t, app, "listener", "add", id, "--event", "moved", "--endpoint", "http://x"); err == nil {
		t.Error("expected error for unknown event")
	}
	if _, err := run(t, app, "listener", "add", id, "--event", "deleted"); err == nil {
		t.Error("expected error without endpoint")
	}

	out, err := run(t, app, "listener", "add", id, "--event", "deleted", "--endpoint", "http://hooks.local/fs")
	if err != nil {
		t.Fatalf("listener add failed: %v", err)
	}
	if !strings.Contains(out, "Added listener") {
		t.Errorf("unexpected output %q", out)
	}

	ls, err := store.ListenersForChain(context.Background(), root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ls) != 1 || ls[0].EventName != "deleted" || ls[0].Owner != 5 {
		t.Errorf("unexpected listeners %+v", ls)
	}
}

func TestMigrateNeedsSchemaStore(t *testing.T) {
	app, _, _ := setupTestApp(t)
	if _, err := run(t, app, "migrate", "--dir", t.TempDir()); err == nil {
		t.Error("expected memory store to refuse migrations")
	}
}
