// Package api implements the gRPC evaluation service.
package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ledgerline/fieldkeeper/internal/core/auth"
	"github.com/ledgerline/fieldkeeper/internal/core/config"
	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Evaluator is the part of the rules engine the service drives.
type Evaluator interface {
	Evaluate(ctx context.Context, tenant types.TenantID, scope types.Scope, record types.Record) (*rules.Result, error)
	EvaluateDocument(ctx context.Context, tenant types.TenantID, doc rules.Document) (*rules.DocumentResult, error)
}

// EvaluationService implements EvaluationServer.
// Thin orchestration layer: decode the request, call the engine, encode.
type EvaluationService struct {
	engine Evaluator
	cfg    *config.EvaluationAPIConfig
	logger *slog.Logger
}

var _ EvaluationServer = (*EvaluationService)(nil)

// NewEvaluationService creates the service. A nil logger discards output.
func NewEvaluationService(engine Evaluator, cfg *config.EvaluationAPIConfig, logger *slog.Logger) (*EvaluationService, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EvaluationService{engine: engine, cfg: cfg, logger: logger}, nil
}

// begin applies the request timeout and fetches the authenticated tenant.
func (s *EvaluationService) begin(ctx context.Context) (context.Context, context.CancelFunc, types.TenantID, error) {
	tenant := auth.TenantIDFromContext(ctx)
	if tenant == "" {
		return ctx, func() {}, "", errMissingTenant
	}
	if s.cfg.RequestTimeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, tenant, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	return ctx, cancel, tenant, nil
}

func (s *EvaluationService) batchLimit() int {
	if s.cfg.MaxBatchSize > 0 {
		return s.cfg.MaxBatchSize
	}
	return config.Default().EvaluationAPI.MaxBatchSize
}
