// Package tree keeps the index consistent with backing storage: it
// reconciles subtrees against the storage hierarchy, deletes subtrees
// bottom-up while tolerating denied removals, and provisions owner roots.
//
// Both walks use an explicit work stack, run inside one index transaction,
// and report committed work to an Observer after the transaction commits.
package tree

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/fileserver/internal/metadata"
)

var (
	// ErrCannotDeleteRoot is returned when a delete targets an owner root.
	ErrCannotDeleteRoot = errors.New("cannot delete root entry")

	// ErrNotDirectory is returned when a directory is expected but storage
	// holds something else at the key.
	ErrNotDirectory = errors.New("not a directory")
)

// IDSource allocates ids for new index entries.
type IDSource interface {
	Allocate() (int64, error)
	AllocateBlocking(ctx context.Context) (int64, error)
}

// Result counts the index rows a synchronization changed.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Missing int `json:"missing"`
}

// Observer receives committed work. Implementations must not block.
type Observer interface {
	Synced(root *metadata.Entry, result Result)
	Deleted(target *metadata.Entry, deleted []int64)
}

type nopObserver struct{}

func (nopObserver) Synced(*metadata.Entry, Result)   {}
func (nopObserver) Deleted(*metadata.Entry, []int64) {}

// truncate drops precision the index cannot store so that a value read
// back from the index compares equal to a fresh one.
func truncate(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := truncate(*t)
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
