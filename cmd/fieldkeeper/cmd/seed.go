package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/store/memstore"
	"github.com/ledgerline/fieldkeeper/internal/store/sqlstore"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load rules, activations and master data from a fixtures file",
	Long: `Seed reads a YAML fixtures file (tenantRules, globalRules, activations,
tables) and writes it to the database. Rules are upserted, so seeding twice
bumps versions instead of failing.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().String("file", "", "fixtures YAML file")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	path, _ := cmd.Flags().GetString("file")
	fx, err := memstore.LoadFixtures(path)
	if err != nil {
		return err
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := sqlstore.New(database, sqlstore.WithLogger(e.logger))
	if err != nil {
		return err
	}

	tenantRules, err := fx.TenantRuleList()
	if err != nil {
		return err
	}
	for _, r := range tenantRules {
		version, err := store.UpsertTenantRule(ctx, r)
		if err != nil {
			return fmt.Errorf("tenant rule %s/%s: %w", r.TenantID, r.Code, err)
		}
		e.logger.Info("tenant rule stored", "tenant", r.TenantID, "rule", r.Code, "version", version)
	}

	globalRules, err := fx.GlobalRuleList()
	if err != nil {
		return err
	}
	for _, g := range globalRules {
		version, err := store.UpsertGlobalRule(ctx, g)
		if err != nil {
			return fmt.Errorf("global rule %s: %w", g.Code, err)
		}
		e.logger.Info("global rule stored", "rule", g.Code, "version", version)
	}

	links, err := fx.LinkList()
	if err != nil {
		return err
	}
	for _, l := range links {
		if err := store.Activate(ctx, l); err != nil {
			return fmt.Errorf("activate %s for %s: %w", l.RuleCode, l.TenantID, err)
		}
	}

	rows := 0
	for _, table := range fx.TableNames() {
		records, err := fx.TableRecords(table)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := store.InsertRecord(ctx, table, rec); err != nil {
				return err
			}
		}
		rows += len(records)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tenant rules, %d global rules, %d activations, %d rows\n",
		len(tenantRules), len(globalRules), len(links), rows)
	return nil
}
