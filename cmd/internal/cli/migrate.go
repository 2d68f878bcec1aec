package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables for the configured stores",
	Long: `Create the schema for the configured metadata store and message log.

Postgres tables are created in MURMUR_DB_SCHEMA. SQLite migrates on open and
Badger needs no schema, so for those backends this only verifies they open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		r, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		if err := r.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated meta_store=%s message_log=%s\n", cfg.Store.Meta, cfg.Store.MessageLog)
		return nil
	},
}
