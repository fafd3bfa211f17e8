package cli

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/fileserver/internal/metadata"
)

// newListenerCmd creates the listener command group.
func newListenerCmd(provider *AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Manage webhook listeners",
	}
	cmd.AddCommand(newListenerAddCmd(provider))
	return cmd
}

func newListenerAddCmd(provider *AppProvider) *cobra.Command {
	var event, endpoint string

	cmd := &cobra.Command{
		Use:   "add <entry-id>",
		Short: "Register a webhook on an entry",
		Long: `Register a webhook endpoint on an entry. The endpoint receives the
events of the entry and of everything below it.

Examples:
  fsctl listener add 1380125745397760 --event deleted --endpoint https://hooks.example.com/fs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !metadata.ValidEvent(event) {
				return fmt.Errorf("unknown event %q", event)
			}
			if endpoint == "" {
				return fmt.Errorf("--endpoint is required")
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

			entry, err := app.Store.Get(ctx, ids[0])
			if err != nil {
				return fmt.Errorf("entry %d: %w", ids[0], err)
			}

			l := &metadata.Listener{
				ID:        uuid.New(),
				EventName: event,
				Endpoint:  endpoint,
				RefTable:  metadata.RefTableEntries,
				RefID:     entry.ID,
				Owner:     entry.Owner,
			}
			if err := app.Store.AddListener(ctx, l); err != nil {
				return err
			}

			if app.JSON {
				return json.NewEncoder(app.Out).Encode(l)
			}
			fmt.Fprintf(app.Out, "Added listener %s on %d\n", l.ID, entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&event, "event", metadata.EventCreated, "Event name (created, updated, deleted, synced)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Webhook URL")
	return cmd
}
