package api

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ledgerline/fieldkeeper/internal/rules"
)

// Batch item statuses.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusError    = "ERROR"
)

type evaluateResponse struct {
	*rules.Result
	Aborted int `json:"aborted"`
}

type batchItem struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	*rules.Result
}

type batchResponse struct {
	AcceptedCount int         `json:"acceptedCount"`
	Results       []batchItem `json:"results"`
}

type documentResponse struct {
	*rules.DocumentResult
	Aborted int `json:"aborted"`
}

// Evaluate runs the caller's rules for one record.
func (s *EvaluationService) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, tenant, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	scope, err := requestScope(in)
	if err != nil {
		return nil, err
	}
	record, ok := recordFromValue(in.GetFields()["record"])
	if !ok {
		return nil, invalidArgument("record must be an object")
	}

	res, err := s.engine.Evaluate(ctx, tenant, scope, record)
	if err != nil {
		s.logger.Error("evaluation failed", "tenant", tenant, "scope", scope, "error", err)
		return nil, statusFromEngine(err)
	}
	if n := res.Aborted(); n > 0 {
		s.logger.Warn("rules aborted by lookup failures",
			"tenant", tenant, "scope", scope, "run_id", res.RunID, "aborted", n)
	}
	return encodeStruct(evaluateResponse{Result: res, Aborted: res.Aborted()})
}

// EvaluateBatch evaluates each record independently. A record that cannot be
// decoded or evaluated is reported in its own result; the rest still run.
func (s *EvaluationService) EvaluateBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, tenant, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	scope, err := requestScope(in)
	if err != nil {
		return nil, err
	}
	items := in.GetFields()["records"].GetListValue().GetValues()
	if limit := s.batchLimit(); len(items) > limit {
		return nil, invalidArgument(fmt.Sprintf("batch size %d exceeds maximum %d", len(items), limit))
	}

	out := batchResponse{Results: make([]batchItem, 0, len(items))}
	for i, item := range items {
		record, ok := recordFromValue(item)
		if !ok {
			out.Results = append(out.Results, batchItem{Index: i, Status: StatusRejected, Error: "record must be an object"})
			continue
		}

		res, err := s.engine.Evaluate(ctx, tenant, scope, record)
		if err != nil {
			s.logger.Error("batch record evaluation failed",
				"tenant", tenant, "scope", scope, "index", i, "error", err)
			out.Results = append(out.Results, batchItem{Index: i, Status: StatusError, Error: err.Error()})
			continue
		}
		out.Results = append(out.Results, batchItem{Index: i, Status: StatusAccepted, Result: res})
		out.AcceptedCount++
	}

	s.logger.Debug("batch evaluated",
		"tenant", tenant, "scope", scope, "records", len(items), "accepted", out.AcceptedCount)
	return encodeStruct(out)
}

// EvaluateDocument evaluates a header with its lines and taxes in one run.
func (s *EvaluationService) EvaluateDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel, tenant, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, err
	}

	var doc rules.Document
	if err := decodeStruct(in, &doc); err != nil {
		return nil, invalidArgument(fmt.Sprintf("malformed document: %v", err))
	}
	if n, limit := len(doc.Lines)+len(doc.Taxes), s.batchLimit(); n > limit {
		return nil, invalidArgument(fmt.Sprintf("document has %d lines and taxes, maximum is %d", n, limit))
	}

	res, err := s.engine.EvaluateDocument(ctx, tenant, doc)
	if err != nil {
		s.logger.Error("document evaluation failed", "tenant", tenant, "error", err)
		return nil, statusFromEngine(err)
	}
	if n := res.Aborted(); n > 0 {
		s.logger.Warn("rules aborted by lookup failures", "tenant", tenant, "run_id", res.RunID, "aborted", n)
	}
	return encodeStruct(documentResponse{DocumentResult: res, Aborted: res.Aborted()})
}
