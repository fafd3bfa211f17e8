package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newRootEntryCmd creates the root command group.
func newRootEntryCmd(provider *AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Manage owner roots",
	}
	cmd.AddCommand(newRootEnsureCmd(provider))
	return cmd
}

func newRootEnsureCmd(provider *AppProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure <owner-id> [owner-id...]",
		Short: "Create owner roots that do not exist yet",
		Long: `Create the backing root directory and the root index entry of each
owner. Existing roots are left untouched.

Examples:
  fsctl root ensure 42`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := provider.Get()
			if err != nil {
				return err
			}

			owners := make([]int64, len(args))
			for i, a := range args {
				owner, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid owner id %q: %w", a, err)
				}
				owners[i] = owner
			}

			ctx := cmd.Context()
			for _, owner := range owners {
				root, err := app.Sync.EnsureRoot(ctx, owner)
				if err != nil {
					return fmt.Errorf("ensuring root for %d: %w", owner, err)
				}
				if app.JSON {
					if err := json.NewEncoder(app.Out).Encode(root); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(app.Out, "Root %d for owner %d\n", root.ID, owner)
			}
			return nil
		},
	}
}
