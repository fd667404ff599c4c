package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sciffer/sandboxgate/pkg/sandbox"
)

var gcRecordsOnly bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge stale sandbox records once",
	Long: `Delete sandbox records untouched for longer than sandbox.stale_after_days
and destroy their remote sandboxes, then destroy remote sandboxes older than
an hour that no record points at. This is the same pass the server runs on
sandbox.gc_schedule.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcRecordsOnly, "records-only", false, "delete records without contacting the sandbox provider")
}

func runGC(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() {
		//nolint:errcheck // Best effort sync on exit
		log.Sync()
	}()

	db, err := openDB(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	var provider sandbox.Provider
	if !gcRecordsOnly {
		if provider, err = newProvider(cmd.Context(), cfg, log); err != nil {
			return err
		}
	}

	janitor := sandbox.NewJanitor(db, provider, staleAfter(cfg), log.Logger)
	n, err := janitor.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d stale sandbox record(s)\n", n)

	if gcRecordsOnly {
		return nil
	}
	orphans, err := janitor.SweepOrphans(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "destroyed %d orphan sandbox(es)\n", orphans)
	return nil
}
