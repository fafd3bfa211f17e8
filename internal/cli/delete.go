package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newDeleteCmd creates the delete command.
func newDeleteCmd(provider *AppProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Delete an entry and everything below it",
		Long: `Delete an entry from storage and the index. For a directory the
subtree is removed deepest first; branches whose removal is denied are
kept along with their ancestors.

Examples:
  fsctl delete 1380125745397760`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}

			app, err := provider.Get()
			if err != nil {
				return err
			}

			deleted, err := app.Deleter.Delete(cmd.Context(), ids[0])
			if err != nil {
				return fmt.Errorf("deleting %d: %w", ids[0], err)
			}

			if app.JSON {
				if deleted == nil {
					deleted = []int64{}
				}
				return json.NewEncoder(app.Out).Encode(map[string]any{"deleted": deleted})
			}
			fmt.Fprintf(app.Out, "Deleted %d entries\n", len(deleted))
			return nil
		},
	}
}
