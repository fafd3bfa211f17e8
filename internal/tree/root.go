package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/storage"
)

// EnsureRoot returns the owner's root entry, creating the backing
// directory and the index row when either is missing.
func (s *Synchronizer) EnsureRoot(ctx context.Context, owner int64) (*metadata.Entry, error) {
	key := metadata.RootBasename(owner)

	info, err := s.backend.Stat(ctx, key)
	switch {
	case storage.IsNotFound(err):
		if err := s.backend.MakeDir(ctx, key); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case !info.IsDir:
		return nil, fmt.Errorf("root %s: %w", key, ErrNotDirectory)
	}

	root, err := s.store.FindRoot(ctx, owner)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Another caller may have created it since FindRoot.
	if existing, err := tx.FindByPath(ctx, owner, "", key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	id, err := s.ids.AllocateBlocking(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate root id: %w", err)
	}
	root = &metadata.Entry{
		ID:       id,
		Kind:     metadata.KindDir,
		Owner:    owner,
		Basename: key,
		Created:  truncate(s.now()),
		Exists:   true,
		IsRoot:   true,
	}
	if err := tx.Insert(ctx, root); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit root: %w", err)
	}

	logging.Info("created root", logging.Owner(owner), logging.EntryID(id))
	return root, nil
}
