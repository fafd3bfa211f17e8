// Package memory provides an in-memory storage backend with fault
// injection for exercising error paths.
package memory

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fruitsalade/fileserver/internal/storage"
)

type node struct {
	kind     storage.EntryKind
	size     int64
	created  time.Time
	modified time.Time
}

// Backend is an in-memory storage.Backend. The empty key is the root
// directory and always exists.
type Backend struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	denied   map[string]bool
	failures map[string]error
	now      func() time.Time
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		nodes:    map[string]*node{"": {kind: storage.KindDir}},
		denied:   map[string]bool{},
		failures: map[string]error{},
		now:      time.Now,
	}
}

func clean(key string) string {
	key = path.Clean("/" + key)
	return strings.TrimPrefix(key, "/")
}

func parentKey(key string) string {
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return dir
}

// WriteFile creates or replaces a file of the given size, creating parent
// directories as needed.
func (b *Backend) WriteFile(key string, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key = clean(key)
	b.mkdirAll(parentKey(key))
	now := b.now()
	if n, ok := b.nodes[key]; ok && n.kind == storage.KindFile {
		n.size = size
		n.modified = now
		return
	}
	b.nodes[key] = &node{kind: storage.KindFile, size: size, created: now, modified: now}
}

// AddSpecial creates an entry that is neither a file nor a directory.
func (b *Backend) AddSpecial(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key = clean(key)
	b.mkdirAll(parentKey(key))
	b.nodes[key] = &node{kind: storage.KindOther, created: b.now(), modified: b.now()}
}

// Delete removes key and everything below it, bypassing fault injection.
func (b *Backend) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key = clean(key)
	for k := range b.nodes {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(b.nodes, k)
		}
	}
}

// Deny makes Remove and RemoveDir on key fail with a permission error.
func (b *Backend) Deny(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denied[clean(key)] = true
}

// Fail makes every operation on key return err.
func (b *Backend) Fail(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[clean(key)] = err
}

// SetClock replaces the time source used for new entries.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Has reports whether key exists, bypassing fault injection.
func (b *Backend) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.nodes[clean(key)]
	return ok
}

func (b *Backend) mkdirAll(key string) {
	for k := key; ; k = parentKey(k) {
		if _, ok := b.nodes[k]; !ok {
			now := b.now()
			b.nodes[k] = &node{kind: storage.KindDir, created: now, modified: now}
		}
		if k == "" {
			return
		}
	}
}

func (b *Backend) lookup(op, key string) (*node, error) {
	if err, ok := b.failures[key]; ok {
		return nil, &fs.PathError{Op: op, Path: key, Err: err}
	}
	n, ok := b.nodes[key]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: key, Err: fs.ErrNotExist}
	}
	return n, nil
}

func (b *Backend) ReadDir(ctx context.Context, key string) ([]storage.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	key = clean(key)
	n, err := b.lookup("readdir", key)
	if err != nil {
		return nil, err
	}
	if n.kind != storage.KindDir {
		return nil, &fs.PathError{Op: "readdir", Path: key, Err: syscall.ENOTDIR}
	}

	prefix := key + "/"
	if key == "" {
		prefix = ""
	}
	var entries []storage.DirEntry
	for k, c := range b.nodes {
		if k == "" || !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		if strings.Contains(name, "/") {
			continue
		}
		entries = append(entries, storage.DirEntry{Name: name, Kind: c.kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *Backend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, err := b.lookup("stat", clean(key))
	if err != nil {
		return nil, err
	}
	created, modified := n.created, n.modified
	return &storage.ObjectInfo{
		Size:     n.size,
		Created:  &created,
		Modified: &modified,
		IsDir:    n.kind == storage.KindDir,
	}, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Stat(ctx, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Backend) MakeDir(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key = clean(key)
	if err, ok := b.failures[key]; ok {
		return &fs.PathError{Op: "mkdir", Path: key, Err: err}
	}
	if n, ok := b.nodes[key]; ok && n.kind != storage.KindDir {
		return &fs.PathError{Op: "mkdir", Path: key, Err: fs.ErrExist}
	}
	b.mkdirAll(key)
	return nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	return b.remove(ctx, "unlink", key, false)
}

func (b *Backend) RemoveDir(ctx context.Context, key string) error {
	return b.remove(ctx, "rmdir", key, true)
}

func (b *Backend) remove(ctx context.Context, op, key string, dir bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key = clean(key)
	n, err := b.lookup(op, key)
	if err != nil {
		return err
	}
	if b.denied[key] {
		return &fs.PathError{Op: op, Path: key, Err: fs.ErrPermission}
	}
	if dir {
		if n.kind != storage.KindDir {
			return &fs.PathError{Op: op, Path: key, Err: syscall.ENOTDIR}
		}
		for k := range b.nodes {
			if strings.HasPrefix(k, key+"/") {
				return &fs.PathError{Op: op, Path: key, Err: syscall.ENOTEMPTY}
			}
		}
	} else if n.kind == storage.KindDir {
		return &fs.PathError{Op: op, Path: key, Err: syscall.EISDIR}
	}
	delete(b.nodes, key)
	return nil
}

// Type returns "memory".
func (b *Backend) Type() string { return "memory" }

func (b *Backend) Close() error { return nil }

// String lists every key, for test failure output.
func (b *Backend) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.nodes))
	for k, n := range b.nodes {
		if k != "" {
			keys = append(keys, fmt.Sprintf("%s(%s)", k, n.kind))
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, " ")
}
