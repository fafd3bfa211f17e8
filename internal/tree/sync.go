package tree

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/metrics"
	"github.com/fruitsalade/fileserver/internal/storage"
)

// Synchronizer reconciles index subtrees with backing storage.
type Synchronizer struct {
	store    metadata.Store
	backend  storage.Backend
	ids      IDSource
	observer Observer
	now      func() time.Time
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store metadata.Store, backend storage.Backend, ids IDSource) *Synchronizer {
	return &Synchronizer{
		store:    store,
		backend:  backend,
		ids:      ids,
		observer: nopObserver{},
		now:      time.Now,
	}
}

// SetObserver registers the receiver of committed synchronizations.
func (s *Synchronizer) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// frame is one directory being listed on the walk stack.
type frame struct {
	entries []storage.DirEntry
	next    int
	key     string
	id      int64
}

// Synchronize reconciles the subtree at root with storage and commits the
// result in one transaction. Entries whose backing object is gone are
// flagged exists=false, never removed. Any storage or index error rolls
// the whole call back.
func (s *Synchronizer) Synchronize(ctx context.Context, root *metadata.Entry) (Result, error) {
	start := time.Now()
	ctx = logging.WithFields(ctx, zap.Int64("root_id", root.ID), logging.Key(root.Key()))
	log := logging.WithContext(ctx)

	res, err := s.synchronize(ctx, root)
	if err != nil {
		metrics.RecordSync(0, 0, 0, time.Since(start), false)
		log.Error("sync aborted", zap.Error(err))
		return Result{}, err
	}

	metrics.RecordSync(res.Created, res.Updated, res.Missing, time.Since(start), true)
	log.Info("sync finished",
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("missing", res.Missing),
		zap.Duration("duration", time.Since(start)))

	s.observer.Synced(root, res)
	return res, nil
}

func (s *Synchronizer) synchronize(ctx context.Context, root *metadata.Entry) (Result, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	var res Result
	switch root.Kind {
	case metadata.KindDir:
		res, err = s.syncTree(ctx, tx, root)
	case metadata.KindFile:
		res, err = s.syncSingle(ctx, tx, root)
	default:
		err = fmt.Errorf("entry %d has kind %s", root.ID, root.Kind)
	}
	if err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit sync: %w", err)
	}
	return res, nil
}

func (s *Synchronizer) syncTree(ctx context.Context, tx metadata.Tx, root *metadata.Entry) (Result, error) {
	var res Result
	log := logging.WithContext(ctx)

	present, err := s.backend.Exists(ctx, root.Key())
	if err != nil {
		return res, err
	}
	if !present {
		// The whole subtree vanished: flag every row, the root included.
		log.Warn("sync root missing from storage")
		n, err := tx.MarkMissing(ctx, root.ID, nil)
		if err != nil {
			return res, err
		}
		res.Missing = n
		return res, nil
	}

	listing, err := s.backend.ReadDir(ctx, root.Key())
	if err != nil {
		return res, err
	}

	found := []int64{root.ID}
	stack := []*frame{{entries: listing, key: root.Key(), id: root.ID}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		de := top.entries[top.next]
		top.next++

		switch de.Kind {
		case storage.KindDir:
			id, created, err := s.syncDir(ctx, tx, root.Owner, top.id, top.key, de.Name)
			if err != nil {
				return res, err
			}
			if id == 0 {
				continue
			}
			if created {
				res.Created++
			}
			found = append(found, id)

			key := path.Join(top.key, de.Name)
			children, err := s.backend.ReadDir(ctx, key)
			if err != nil {
				return res, err
			}
			stack = append(stack, &frame{entries: children, key: key, id: id})

		case storage.KindFile:
			id, ch, err := s.syncFile(ctx, tx, root.Owner, top.id, top.key, de.Name)
			if err != nil {
				return res, err
			}
			if id == 0 {
				continue
			}
			switch ch {
			case changeCreated:
				res.Created++
			case changeUpdated:
				res.Updated++
			}
			found = append(found, id)

		default:
			log.Debug("skipping special entry", zap.String("path", path.Join(top.key, de.Name)))
		}
	}

	if err := tx.SetExists(ctx, root.ID, true); err != nil {
		return res, err
	}
	n, err := tx.MarkMissing(ctx, root.ID, found)
	if err != nil {
		return res, err
	}
	res.Missing = n
	return res, nil
}

// syncSingle refreshes a file root without walking.
func (s *Synchronizer) syncSingle(ctx context.Context, tx metadata.Tx, root *metadata.Entry) (Result, error) {
	var res Result

	current, err := tx.FindByPath(ctx, root.Owner, root.Directory, root.Basename)
	if err != nil {
		return res, err
	}
	if current == nil {
		return res, fmt.Errorf("entry %d: %w", root.ID, metadata.ErrNotFound)
	}

	info, err := s.backend.Stat(ctx, root.Key())
	if storage.IsNotFound(err) {
		if err := tx.SetExists(ctx, current.ID, false); err != nil {
			return res, err
		}
		res.Missing = 1
		return res, nil
	}
	if err != nil {
		return res, err
	}

	updated, err := s.refreshFile(ctx, tx, current, info)
	if err != nil {
		return res, err
	}
	if updated {
		res.Updated = 1
	}
	return res, nil
}

type change int

const (
	changeNone change = iota
	changeCreated
	changeUpdated
)

// syncFile resolves or creates the file entry at directory/name. It
// returns id 0 when the name is already indexed as a directory.
func (s *Synchronizer) syncFile(ctx context.Context, tx metadata.Tx, owner, parentID int64, directory, name string) (int64, change, error) {
	key := path.Join(directory, name)
	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return 0, changeNone, err
	}

	existing, err := tx.FindByPath(ctx, owner, directory, name)
	if err != nil {
		return 0, changeNone, err
	}
	if existing != nil {
		if existing.Kind != metadata.KindFile {
			logging.WithContext(ctx).Warn("indexed kind differs from storage",
				zap.String("path", key), zap.Stringer("indexed", existing.Kind))
			return 0, changeNone, nil
		}
		updated, err := s.refreshFile(ctx, tx, existing, info)
		if err != nil {
			return 0, changeNone, err
		}
		if updated {
			return existing.ID, changeUpdated, nil
		}
		return existing.ID, changeNone, nil
	}

	id, err := s.ids.Allocate()
	if err != nil {
		return 0, changeNone, fmt.Errorf("allocate id for %s: %w", key, err)
	}
	e := &metadata.Entry{
		ID:        id,
		Kind:      metadata.KindFile,
		Parent:    &parentID,
		Owner:     owner,
		Directory: directory,
		Basename:  name,
		Size:      info.Size,
		Created:   s.createdOrNow(info),
		Modified:  truncatePtr(info.Modified),
		Exists:    true,
	}
	if err := tx.Insert(ctx, e); err != nil {
		return 0, changeNone, err
	}
	return id, changeCreated, nil
}

// refreshFile rewrites the stored metadata of e when it differs from info.
// A creation time storage cannot report is not compared.
func (s *Synchronizer) refreshFile(ctx context.Context, tx metadata.Tx, e *metadata.Entry, info *storage.ObjectInfo) (bool, error) {
	created := truncate(e.Created)
	if info.Created != nil {
		created = truncate(*info.Created)
	}
	modified := truncatePtr(info.Modified)

	if e.Exists &&
		e.Size == info.Size &&
		created.Equal(truncate(e.Created)) &&
		sameTime(modified, truncatePtr(e.Modified)) {
		return false, nil
	}

	if err := tx.UpdateFileInfo(ctx, e.ID, created, modified, info.Size); err != nil {
		return false, err
	}
	return true, nil
}

// syncDir resolves or creates the directory entry at directory/name. A
// found directory is only touched. It returns id 0 when the name is
// already indexed as a file.
func (s *Synchronizer) syncDir(ctx context.Context, tx metadata.Tx, owner, parentID int64, directory, name string) (int64, bool, error) {
	key := path.Join(directory, name)
	existing, err := tx.FindByPath(ctx, owner, directory, name)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		if existing.Kind != metadata.KindDir {
			logging.WithContext(ctx).Warn("indexed kind differs from storage",
				zap.String("path", key), zap.Stringer("indexed", existing.Kind))
			return 0, false, nil
		}
		if !existing.Exists {
			if err := tx.SetExists(ctx, existing.ID, true); err != nil {
				return 0, false, err
			}
		}
		return existing.ID, false, nil
	}

	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return 0, false, err
	}

	// Directory discovery can outrun one id per millisecond.
	id, err := s.ids.AllocateBlocking(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("allocate id for %s: %w", key, err)
	}
	e := &metadata.Entry{
		ID:        id,
		Kind:      metadata.KindDir,
		Parent:    &parentID,
		Owner:     owner,
		Directory: directory,
		Basename:  name,
		Created:   s.createdOrNow(info),
		Modified:  truncatePtr(info.Modified),
		Exists:    true,
	}
	if err := tx.Insert(ctx, e); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Synchronizer) createdOrNow(info *storage.ObjectInfo) time.Time {
	if info.Created != nil {
		return truncate(*info.Created)
	}
	return truncate(s.now())
}
