// Package metadata defines the index of files and directories kept in the
// relational store, the listener registrations anchored on it, and the
// transactional store contract the tree operations run against.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("entry not found")

// Kind is the type of an index entry. Values match the item_type column.
type Kind int16

const (
	KindUnknown Kind = 0
	KindFile    Kind = 1
	KindDir     Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Entry is one row of the index.
type Entry struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"item_type"`
	Parent    *int64          `json:"parent"`
	Owner     int64           `json:"users_id"`
	Directory string          `json:"directory"`
	Basename  string          `json:"basename"`
	Size      int64           `json:"item_size"`
	Created   time.Time       `json:"created"`
	Modified  *time.Time      `json:"modified"`
	Exists    bool            `json:"item_exists"`
	UserData  json.RawMessage `json:"user_data"`
	IsRoot    bool            `json:"is_root"`
}

// Key returns the entry's path relative to the storage root.
func (e *Entry) Key() string {
	return path.Join(e.Directory, e.Basename)
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Kind == KindDir }

// RootBasename is the basename of an owner's root entry.
func RootBasename(owner int64) string {
	return strconv.FormatInt(owner, 10)
}

// Event names a listener can register for.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
	EventSynced  = "synced"
)

// ValidEvent reports whether name is one of the fixed event names.
func ValidEvent(name string) bool {
	switch name {
	case EventCreated, EventUpdated, EventDeleted, EventSynced:
		return true
	}
	return false
}

// RefTableEntries is the ref_table value for listeners anchored on index entries.
const RefTableEntries = "fs_items"

// Listener is a webhook registration anchored on an index entry.
type Listener struct {
	ID        uuid.UUID `json:"id"`
	EventName string    `json:"event_name"`
	Endpoint  string    `json:"endpoint"`
	RefTable  string    `json:"ref_table"`
	RefID     int64     `json:"ref_id"`
	Owner     int64     `json:"users_id"`
}

// Store is the relational index. Reads outside a transaction go through
// the Store; multi-statement work goes through a Tx.
type Store interface {
	// Begin starts a transaction. The caller must Commit or Rollback it.
	Begin(ctx context.Context) (Tx, error)

	// Get returns an entry by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*Entry, error)

	// FindRoot returns the owner's root entry, or ErrNotFound.
	FindRoot(ctx context.Context, owner int64) (*Entry, error)

	// ListRoots returns every root entry.
	ListRoots(ctx context.Context) ([]Entry, error)

	// ListenersForChain returns the listeners anchored on the entry or any
	// of its ancestors, resolved with one closure query.
	ListenersForChain(ctx context.Context, id int64) ([]Listener, error)

	// ListenersByRef returns the listeners anchored directly on any of ids.
	ListenersByRef(ctx context.Context, ids []int64) ([]Listener, error)

	// AddListener stores a listener registration.
	AddListener(ctx context.Context, l *Listener) error
}

// Tx is a transaction against the index.
type Tx interface {
	Commit() error
	Rollback() error

	// FindByPath looks an entry up by (owner, directory, basename).
	// It returns nil, nil when no entry matches.
	FindByPath(ctx context.Context, owner int64, directory, basename string) (*Entry, error)

	// Insert adds a new entry.
	Insert(ctx context.Context, e *Entry) error

	// UpdateFileInfo rewrites created/modified/size and sets exists=true.
	UpdateFileInfo(ctx context.Context, id int64, created time.Time, modified *time.Time, size int64) error

	// SetExists sets the exists flag of one entry.
	SetExists(ctx context.Context, id int64, exists bool) error

	// MarkMissing sets exists=false on every entry in the descendant closure
	// of rootID (itself included) whose id is not in found and that is
	// currently flagged as existing. It returns the number of rows changed.
	MarkMissing(ctx context.Context, rootID int64, found []int64) (int, error)

	// Subtree returns rootID and all its descendants, deepest first: every
	// child precedes its parent.
	Subtree(ctx context.Context, rootID int64) ([]Entry, error)

	// DeleteEntries removes the given ids and returns the number removed.
	DeleteEntries(ctx context.Context, ids []int64) (int, error)
}
