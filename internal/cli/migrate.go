package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Applies the schema for the configured database driver.

The statements are idempotent, so migrate can run on every deploy of the
service.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Migrating %s database... ", cfg.Database.Driver)
	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "FAILED")
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}
