package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() {
			//nolint:errcheck // Best effort sync on exit
			log.Sync()
		}()

		// Opening the database applies pending migrations.
		db, err := openDB(cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()

		v, err := db.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", db.Driver(), v)
		return nil
	},
}
