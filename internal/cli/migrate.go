package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/fileserver/internal/metadata/postgres"
)

// migrator is implemented by stores that own a schema.
type migrator interface {
	Migrate(dir string) error
}

var errNoMigrations = errors.New("no migrations directory found")

// newMigrateCmd creates the migrate command.
func newMigrateCmd(provider *AppProvider) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the index schema",
		Long: `Apply every *.up.sql file in the migrations directory in lexical order.

Examples:
  fsctl migrate
  fsctl migrate --dir /opt/fileserver/migrations`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := provider.Get()
			if err != nil {
				return err
			}

			m, ok := app.Store.(migrator)
			if !ok {
				return fmt.Errorf("store %T has no schema to migrate", app.Store)
			}
			if dir == "" {
				dir = postgres.FindMigrationsDir()
			}
			if dir == "" {
				return errNoMigrations
			}
			if err := m.Migrate(dir); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Applied migrations from %s\n", dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Migrations directory (default: search near cwd and executable)")
	return cmd
}
