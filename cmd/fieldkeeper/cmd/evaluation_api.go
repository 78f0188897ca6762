package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerline/fieldkeeper/internal/audit"
	"github.com/ledgerline/fieldkeeper/internal/core/api"
	"github.com/ledgerline/fieldkeeper/internal/core/auth"
	"github.com/ledgerline/fieldkeeper/internal/core/config"
	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/core/server"
	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/store/sqlstore"
)

var evaluationAPICmd = &cobra.Command{
	Use:   "evaluation-api",
	Short: "Start the gRPC evaluation API",
	RunE:  runEvaluationAPI,
}

func init() {
	rootCmd.AddCommand(evaluationAPICmd)
	evaluationAPICmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	evaluationAPICmd.Flags().Int("port", 50061, "gRPC server port")
	evaluationAPICmd.Flags().Bool("no-audit", false, "disable the JSONL audit trail")
}

func runEvaluationAPI(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger

	if cmd.Flags().Changed("host") {
		cfg.EvaluationAPI.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.EvaluationAPI.Port, _ = cmd.Flags().GetInt("port")
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.Pending(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("migrations %v not applied - run 'fieldkeeper migrate' first", pending)
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set FK_HMAC_SECRET environment variable)")
	}

	store, err := sqlstore.New(database,
		sqlstore.WithLogger(logger),
		sqlstore.WithAllowedTables(cfg.AllowedTables()...),
	)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	opts := engineOptions(cfg, logger)
	if noAudit, _ := cmd.Flags().GetBool("no-audit"); !noAudit {
		path := cfg.Audit.File
		if path == "" {
			path = filepath.Join(cfg.EvaluationAPI.DataDir, "audit", "audit.jsonl")
		}
		sink := audit.NewFileSink(path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups)
		defer sink.Close()
		opts = append(opts, rules.WithAuditSink(sink))
		logger.Info("audit trail enabled", "file", path)
	}
	engine := rules.NewEngine(store, store, opts...)

	service, err := api.NewEvaluationService(engine, &cfg.EvaluationAPI, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	authenticator := auth.NewAuthenticator(secrets, store.Queries())
	grpcServer, err := server.NewGRPCServer(&cfg.EvaluationAPI, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting fieldkeeper evaluation api",
		"version", Version, "host", cfg.EvaluationAPI.Host, "port", cfg.EvaluationAPI.Port)
	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	}
}
