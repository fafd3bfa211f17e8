// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string
	typ      string
}

var _ storage.Backend = (*LocalBackend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath, typ: "local"}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// WithType returns a copy of the backend that reports and records metrics
// under a different type name. Backends layered on a mount point use it.
func (b *LocalBackend) WithType(typ string) *LocalBackend {
	return &LocalBackend{rootPath: b.rootPath, typ: typ}
}

// RootPath returns the directory keys are resolved against.
func (b *LocalBackend) RootPath() string { return b.rootPath }

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

func (b *LocalBackend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(b.typ, op, time.Since(start), err == nil)
}

// ReadDir lists a directory. Symlinks and special files are reported as
// storage.KindOther without being followed.
func (b *LocalBackend) ReadDir(_ context.Context, key string) ([]storage.DirEntry, error) {
	start := time.Now()
	dirents, err := os.ReadDir(b.fullPath(key))
	b.record("read_dir", start, err)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", key, err)
	}

	entries := make([]storage.DirEntry, 0, len(dirents))
	for _, d := range dirents {
		kind := storage.KindOther
		switch t := d.Type(); {
		case t.IsDir():
			kind = storage.KindDir
		case t.IsRegular():
			kind = storage.KindFile
		}
		entries = append(entries, storage.DirEntry{Name: d.Name(), Kind: kind})
	}
	return entries, nil
}

// Stat returns size, modification time and, where the filesystem records
// it, birth time.
func (b *LocalBackend) Stat(_ context.Context, key string) (*storage.ObjectInfo, error) {
	start := time.Now()
	path := b.fullPath(key)
	info, err := os.Stat(path)
	b.record("stat", start, err)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	mod := info.ModTime()
	oi := &storage.ObjectInfo{
		Size:     info.Size(),
		Modified: &mod,
		IsDir:    info.IsDir(),
	}
	if info.IsDir() {
		oi.Size = 0
	}
	if bt, ok := birthTime(path); ok {
		oi.Created = &bt
	}
	return oi, nil
}

// Exists checks if a file or directory exists on the local filesystem.
func (b *LocalBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// MakeDir creates a directory and its parents.
func (b *LocalBackend) MakeDir(_ context.Context, key string) error {
	start := time.Now()
	err := os.MkdirAll(b.fullPath(key), 0755)
	b.record("make_dir", start, err)
	if err != nil {
		return fmt.Errorf("make dir %s: %w", key, err)
	}
	logging.Debug("created directory", zap.String("backend", b.typ), zap.String("key", key))
	return nil
}

// Remove deletes a file. A directory at key is rejected.
func (b *LocalBackend) Remove(_ context.Context, key string) error {
	start := time.Now()
	path := b.fullPath(key)
	err := removeKind(path, false)
	b.record("remove", start, err)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// RemoveDir deletes an empty directory.
func (b *LocalBackend) RemoveDir(_ context.Context, key string) error {
	start := time.Now()
	path := b.fullPath(key)
	err := removeKind(path, true)
	b.record("remove_dir", start, err)
	if err != nil {
		return fmt.Errorf("remove dir %s: %w", key, err)
	}
	return nil
}

func removeKind(path string, dir bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() != dir {
		if dir {
			return &os.PathError{Op: "rmdir", Path: path, Err: syscall.ENOTDIR}
		}
		return &os.PathError{Op: "unlink", Path: path, Err: syscall.EISDIR}
	}
	return os.Remove(path)
}

// Type returns "local", or the name set with WithType.
func (b *LocalBackend) Type() string { return b.typ }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
