// Package storage defines the Backend interface for the backing hierarchy
// that the index mirrors. Keys are slash-separated paths relative to the
// backend root; a directory's children live under "<key>/".
package storage

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// EntryKind classifies a directory listing entry.
type EntryKind int

const (
	KindOther EntryKind = iota // symlinks, devices, sockets, pipes
	KindFile
	KindDir
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "other"
	}
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name string
	Kind EntryKind
}

// ObjectInfo is the metadata a backend reports for one key.
// Created and Modified are nil when the backend cannot report them.
type ObjectInfo struct {
	Size     int64
	Created  *time.Time
	Modified *time.Time
	IsDir    bool
}

// Backend is the interface for backing storage.
// Errors wrap fs.ErrNotExist or fs.ErrPermission where they apply, so
// callers classify them with IsNotFound and IsPermission.
type Backend interface {
	// ReadDir lists the direct children of a directory.
	ReadDir(ctx context.Context, key string) ([]DirEntry, error)

	// Stat returns metadata for a file or directory.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Exists reports whether key names a file or directory.
	Exists(ctx context.Context, key string) (bool, error)

	// MakeDir creates a directory and any missing parents.
	MakeDir(ctx context.Context, key string) error

	// Remove deletes a file.
	Remove(ctx context.Context, key string) error

	// RemoveDir deletes an empty directory.
	RemoveDir(ctx context.Context, key string) error

	// Type returns the backend type identifier ("local", "smb", "s3", "memory").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsPermission reports whether err means access was denied.
func IsPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
