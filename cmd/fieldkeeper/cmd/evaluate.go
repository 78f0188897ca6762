package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/store/memstore"
	"github.com/ledgerline/fieldkeeper/internal/store/sqlstore"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one record or document and print the result as JSON",
	Long: `Evaluate runs a tenant's effective rules locally. Rules and master data
come from --fixtures when given, otherwise from the database. The record is
inline JSON or @path to a JSON file. With --document the input is
{"header":{},"lines":[],"taxes":[]} and --scope is ignored.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().String("tenant", "", "tenant id")
	evaluateCmd.Flags().String("scope", "LINE", "record scope (HEADER, LINE, TAX)")
	evaluateCmd.Flags().String("record", "", "record JSON or @file")
	evaluateCmd.Flags().String("fixtures", "", "evaluate against a fixtures YAML file instead of the database")
	evaluateCmd.Flags().Bool("document", false, "treat the input as a whole document")
	_ = evaluateCmd.MarkFlagRequired("tenant")
	_ = evaluateCmd.MarkFlagRequired("record")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	input, _ := cmd.Flags().GetString("record")
	data, err := readInput(input)
	if err != nil {
		return err
	}

	var engine *rules.Engine
	if path, _ := cmd.Flags().GetString("fixtures"); path != "" {
		fx, err := memstore.LoadFixtures(path)
		if err != nil {
			return err
		}
		store, err := memstore.FromFixtures(fx)
		if err != nil {
			return err
		}
		engine = rules.NewEngine(store, store, engineOptions(e.cfg, e.logger)...)
	} else {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()
		store, err := sqlstore.New(database,
			sqlstore.WithLogger(e.logger),
			sqlstore.WithAllowedTables(e.cfg.AllowedTables()...),
		)
		if err != nil {
			return err
		}
		engine = rules.NewEngine(store, store, engineOptions(e.cfg, e.logger)...)
	}

	var out any
	if document, _ := cmd.Flags().GetBool("document"); document {
		var doc rules.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("malformed document: %w", err)
		}
		out, err = engine.EvaluateDocument(ctx, types.TenantID(tenant), doc)
	} else {
		rawScope, _ := cmd.Flags().GetString("scope")
		scope, perr := types.ParseScope(rawScope)
		if perr != nil {
			return perr
		}
		record, derr := types.DecodeRecord(data)
		if derr != nil {
			return fmt.Errorf("malformed record: %w", derr)
		}
		out, err = engine.Evaluate(ctx, types.TenantID(tenant), scope, record)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readInput(arg string) ([]byte, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	return []byte(arg), nil
}
