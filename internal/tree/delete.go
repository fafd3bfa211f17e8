package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/storage"
)

// Deleter removes index subtrees together with their backing objects.
type Deleter struct {
	store    metadata.Store
	backend  storage.Backend
	observer Observer
}

// NewDeleter creates a Deleter.
func NewDeleter(store metadata.Store, backend storage.Backend) *Deleter {
	return &Deleter{store: store, backend: backend, observer: nopObserver{}}
}

// SetObserver registers the receiver of committed deletions.
func (d *Deleter) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	d.observer = o
}

// Delete removes the entry id and, for a directory, everything below it.
// It returns the ids actually removed from the index.
//
// A file target whose removal fails for any reason other than "already
// gone" aborts the call. In a directory target a denied removal keeps that
// row and blocks every ancestor up to the target; the rest of the subtree
// is still removed. Any other storage error aborts the whole call.
func (d *Deleter) Delete(ctx context.Context, id int64) ([]int64, error) {
	target, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.IsRoot {
		return nil, fmt.Errorf("entry %d: %w", id, ErrCannotDeleteRoot)
	}

	start := time.Now()
	ctx = logging.WithFields(ctx,
		zap.Int64("target_id", id),
		logging.Key(target.Key()),
		zap.Bool("dir", target.IsDir()))
	log := logging.WithContext(ctx)

	var (
		deleted []int64
		blocked int
	)
	switch target.Kind {
	case metadata.KindDir:
		deleted, blocked, err = d.deleteTree(ctx, target)
	case metadata.KindFile:
		deleted, err = d.deleteFile(ctx, target)
	default:
		err = fmt.Errorf("entry %d: %w", id, errUnknownKind)
	}
	if err != nil {
		metrics.RecordDelete(0, 0, false)
		log.Error("delete aborted", zap.Error(err))
		return nil, err
	}

	metrics.RecordDelete(len(deleted), blocked, true)
	log.Info("delete finished",
		zap.Int("deleted", len(deleted)),
		zap.Int("kept", blocked),
		zap.Duration("duration", time.Since(start)))

	d.observer.Deleted(target, deleted)
	return deleted, nil
}

func (d *Deleter) deleteFile(ctx context.Context, target *metadata.Entry) ([]int64, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := d.backend.Remove(ctx, target.Key()); err != nil && !storage.IsNotFound(err) {
		return nil, err
	}

	if _, err := tx.DeleteEntries(ctx, []int64{target.ID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return []int64{target.ID}, nil
}

// deleteTree walks the subtree deepest first. It returns the removed ids
// and the number of rows kept because of a denied removal.
func (d *Deleter) deleteTree(ctx context.Context, target *metadata.Entry) ([]int64, int, error) {
	log := logging.WithContext(ctx)

	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Subtree(ctx, target.ID)
	if err != nil {
		return nil, 0, err
	}

	blocked := make(map[int64]bool)
	block := func(e *metadata.Entry) {
		if e.Parent != nil {
			blocked[*e.Parent] = true
		}
	}

	marked := make([]int64, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		if blocked[row.ID] {
			block(row)
			continue
		}

		err := d.removeBacking(ctx, row)
		switch {
		case err == nil || storage.IsNotFound(err):
			marked = append(marked, row.ID)
		case storage.IsPermission(err):
			log.Warn("removal denied, keeping branch",
				zap.Int64("id", row.ID),
				zap.String("path", row.Key()),
				zap.Error(err))
			block(row)
		default:
			return nil, 0, err
		}
	}

	if _, err := tx.DeleteEntries(ctx, marked); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit delete: %w", err)
	}
	return marked, len(rows) - len(marked), nil
}

var errUnknownKind = errors.New("unknown entry kind")

func (d *Deleter) removeBacking(ctx context.Context, e *metadata.Entry) error {
	switch e.Kind {
	case metadata.KindFile:
		return d.backend.Remove(ctx, e.Key())
	case metadata.KindDir:
		return d.backend.RemoveDir(ctx, e.Key())
	default:
		return fmt.Errorf("remove %s: %w", e.Key(), errUnknownKind)
	}
}
