// Package cli implements the fsctl operator commands.
package cli

import (
	"errors"
	"io"

	"github.com/fruitsalade/fileserver/internal/events"
	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/snowflake"
	"github.com/fruitsalade/fileserver/internal/storage"
	"github.com/fruitsalade/fileserver/internal/tree"
)

// App holds the wired components shared across commands.
type App struct {
	Store    metadata.Store
	Backend  storage.Backend
	IDs      *snowflake.Allocator
	Sync     *tree.Synchronizer
	Deleter  *tree.Deleter
	Notifier *events.Notifier
	Out      io.Writer
	Err      io.Writer
	JSON     bool // output in JSON format

	closers []func() error
}

// NewApp wires a synchronizer and a deleter over store and backend. When
// notifier is non-nil it observes both.
func NewApp(store metadata.Store, backend storage.Backend, ids *snowflake.Allocator, notifier *events.Notifier, out, errOut io.Writer) *App {
	app := &App{
		Store:    store,
		Backend:  backend,
		IDs:      ids,
		Sync:     tree.NewSynchronizer(store, backend, ids),
		Deleter:  tree.NewDeleter(store, backend),
		Notifier: notifier,
		Out:      out,
		Err:      errOut,
	}
	if notifier != nil {
		app.Sync.SetObserver(notifier)
		app.Deleter.SetObserver(notifier)
	}
	return app
}

// Close waits for pending notifications and releases resources.
func (a *App) Close() error {
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
