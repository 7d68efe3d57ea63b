package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal"
	"github.com/haatos/patchtest/internal/settings"
	"github.com/haatos/patchtest/internal/store"
)

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, rwdb, err := OpenDatabases(settings.Settings)
			if err != nil {
				return err
			}
			defer rdb.Close()
			defer rwdb.Close()

			if err := store.RunMigrations(rwdb, internal.MigrationsDir); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			if err := store.CheckSchemaVersion(cmd.Context(), rwdb); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database schema is at version %d\n", store.SchemaVersion)
			return nil
		},
	}
}
