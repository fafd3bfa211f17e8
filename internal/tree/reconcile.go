package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
)

// SynchronizeAll synchronizes every owner root in turn. A failing root is
// logged and skipped; the returned error joins every failure.
func (s *Synchronizer) SynchronizeAll(ctx context.Context) (Result, error) {
	roots, err := s.store.ListRoots(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list roots: %w", err)
	}

	var (
		total Result
		errs  []error
	)
	for i := range roots {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		root := &roots[i]
		res, err := s.Synchronize(ctx, root)
		if err != nil {
			logging.Warn("root sync failed, continuing",
				logging.Owner(root.Owner), zap.Error(err))
			errs = append(errs, fmt.Errorf("root %d: %w", root.ID, err))
			continue
		}
		total.Created += res.Created
		total.Updated += res.Updated
		total.Missing += res.Missing
	}
	return total, errors.Join(errs...)
}
