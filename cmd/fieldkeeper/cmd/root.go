package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/core/config"
	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/core/logging"
	"github.com/ledgerline/fieldkeeper/internal/rules"
)

// Version is the release version reported at startup.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "fieldkeeper",
	Short: "Fieldkeeper tenant rule engine for imported documents",
	Long: `Fieldkeeper evaluates tenant-owned and shared global rules against
imported purchase documents, filling and normalizing fields and resolving
accounting codes from master-data tables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...), defaults to FK_DB_URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// env bundles what every command needs. Close releases the log file.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (e *env) Close() error { return e.closer.Close() }

// setup loads configuration, applies flag overrides and builds the logger.
// Logs go to stderr so command output on stdout stays parseable.
func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func openDatabase() (*sqlx.DB, error) {
	url := dbURL
	if url == "" {
		url = os.Getenv("FK_DB_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("--db-url or FK_DB_URL required")
	}
	database, err := db.Open(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func engineOptions(cfg *config.Config, logger *slog.Logger) []rules.Option {
	return []rules.Option{
		rules.WithLogger(logger),
		rules.WithLookupTimeout(cfg.Engine.LookupTimeout),
		rules.WithMaxParallelRecords(cfg.Engine.MaxParallelRecords),
		rules.WithParametersTable(cfg.Lookup.ParametersTable, cfg.Lookup.TypeColumn),
	}
}
