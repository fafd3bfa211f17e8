package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/fileserver/internal/metadata"
	"github.com/fruitsalade/fileserver/internal/tree"
)

type syncOutput struct {
	ID     int64       `json:"id"`
	Key    string      `json:"key"`
	Result tree.Result `json:"result"`
}

// newSyncCmd creates the sync command.
func newSyncCmd(provider *AppProvider) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [entry-id...]",
		Short: "Reconcile index entries with storage",
		Long: `Reconcile the subtree under each entry with backing storage.

New objects are indexed, changed files refreshed and vanished entries
flagged as missing. With --all every owner root is synchronized.

Examples:
  fsctl sync 1380125745397760
  fsctl sync --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass entry ids or --all")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			app, err := provider.Get()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var targets []metadata.Entry
			if all {
				targets, err = app.Store.ListRoots(ctx)
				if err != nil {
					return err
				}
			} else {
				for _, id := range ids {
					e, err := app.Store.Get(ctx, id)
					if err != nil {
						return fmt.Errorf("entry %d: %w", id, err)
					}
					targets = append(targets, *e)
				}
			}

			var outputs []syncOutput
			for i := range targets {
				e := &targets[i]
				res, err := app.Sync.Synchronize(ctx, e)
				if err != nil {
					return fmt.Errorf("syncing %d: %w", e.ID, err)
				}
				outputs = append(outputs, syncOutput{ID: e.ID, Key: e.Key(), Result: res})
			}

			if app.JSON {
				return json.NewEncoder(app.Out).Encode(outputs)
			}
			for _, o := range outputs {
				fmt.Fprintf(app.Out, "Synced %d (%s): created %d, updated %d, missing %d\n",
					o.ID, o.Key, o.Result.Created, o.Result.Updated, o.Result.Missing)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Synchronize every owner root")
	return cmd
}
