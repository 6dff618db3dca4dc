package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fleet/internal/config"
	"github.com/ShayCichocki/fleet/internal/ledger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Long: `Create or upgrade the sqlite state database and, when
storage.ledger_backend is postgres, the ledger schema.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := storeApp()
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "state database ready: %s (%s)\n", a.db.Path(), a.db.Driver())

		if a.cfg.Storage.LedgerBackend != config.LedgerPostgres {
			return nil
		}
		if err := ledger.Migrate(a.cfg.Storage.PostgresURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "postgres ledger schema up to date")
		return nil
	},
}
