package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "list migrations and whether they are applied, without applying")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	out := cmd.OutOrStdout()
	if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
		statuses, err := db.MigrateStatus(ctx, database)
		if err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MIGRATION\tAPPLIED\tAPPLIED AT")
		for _, s := range statuses {
			at := "-"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%t\t%s\n", s.ID, s.Applied, at)
		}
		return tw.Flush()
	}

	ran, err := db.MigrateUp(ctx, database)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if len(ran) == 0 {
		fmt.Fprintln(out, "database is up to date")
		return nil
	}
	for _, id := range ran {
		e.logger.Info("migration applied", "migration", id)
		fmt.Fprintf(out, "applied %s\n", id)
	}
	return nil
}
