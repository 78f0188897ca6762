// internal/rules/engine.go
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Rule evaluation pipeline.
 *
 * Per (tenant, scope, record):
 *   1. Resolve effective rules (active, scope, links, overrides, order)
 *   2. Compile each rule; a rule that fails compiles to a skipped entry
 *   3. Deep-copy the input record
 *   4. For each rule: transformations -> conditions -> actions -> audit,
 *      stopping after a matched rule with stopOnMatch
 *
 * Containment: configuration errors skip a rule, lookup failures abort the
 * rest of one rule, write failures no-op one action. Evaluate returns an
 * error only when the call itself is invalid or rules cannot be resolved,
 * and even then hands back the record unmodified.
 *
 * The Engine holds stores and immutable options only. It is safe for
 * concurrent use; compiled rules are shared read-only across the records of
 * one EvaluateDocument call and discarded afterwards.
 */

// Defaults used when an option is not supplied.
const (
	DefaultLookupTimeout      = 5 * time.Second
	DefaultParametersTable    = "parametros_maestros"
	DefaultTypeColumn         = "tipo_campo"
	DefaultMaxParallelRecords = 8
)

// AuditEntry is the per-rule outcome of one evaluation.
type AuditEntry struct {
	RuleCode      string   `json:"ruleCode"`
	Matched       bool     `json:"matched"`
	Skipped       string   `json:"skipped,omitempty"`
	Aborted       string   `json:"aborted,omitempty"`
	FieldsChanged []string `json:"fieldsChanged"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Result is the outcome of evaluating one record.
type Result struct {
	RunID  types.RunID    `json:"runId"`
	Tenant types.TenantID `json:"tenant"`
	Scope  types.Scope    `json:"scope"`
	Record types.Record   `json:"record"`
	Audit  []AuditEntry   `json:"audit"`
}

// Aborted counts rules aborted by lookup failures. Callers escalate store
// outages on repeated aborts.
func (r *Result) Aborted() int {
	n := 0
	for _, e := range r.Audit {
		if e.Aborted != "" {
			n++
		}
	}
	return n
}

// Changed reports whether any rule changed the record.
func (r *Result) Changed() bool {
	for _, e := range r.Audit {
		if len(e.FieldsChanged) > 0 {
			return true
		}
	}
	return false
}

// AuditSink receives every completed Result. Failures are logged, never
// propagated into evaluation.
type AuditSink interface {
	WriteAudit(ctx context.Context, res *Result) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLookupTimeout bounds each record store read.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.exec.lookups.timeout = d
		}
	}
}

// WithParametersTable sets the table and type column used by LOOKUP_JSON
// actions that name a typeField instead of a table.
func WithParametersTable(table, typeColumn string) Option {
	return func(e *Engine) {
		if table != "" {
			e.exec.parametersTable = table
		}
		if typeColumn != "" {
			e.exec.typeColumn = typeColumn
		}
	}
}

// WithMaxParallelRecords bounds EvaluateDocument fan-out.
func WithMaxParallelRecords(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithAuditSink forwards every result to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) {
		e.audit = sink
	}
}

// Engine evaluates stored rules against records.
type Engine struct {
	rules       RuleStore
	exec        executor
	logger      *slog.Logger
	maxParallel int
	audit       AuditSink
}

// NewEngine creates an engine over the given stores.
func NewEngine(rules RuleStore, records RecordStore, opts ...Option) *Engine {
	e := &Engine{
		rules: rules,
		exec: executor{
			lookups:         lookupResolver{store: records, timeout: DefaultLookupTimeout},
			parametersTable: DefaultParametersTable,
			typeColumn:      DefaultTypeColumn,
		},
		logger:      slog.Default(),
		maxParallel: DefaultMaxParallelRecords,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// compiledSet is the per-call compiled rule list. A nil rule means the rule
// failed compilation and skip holds the reason.
type compiledSet struct {
	entries []compiledEntry
}

type compiledEntry struct {
	code string
	rule *CompiledRule
	skip string
}

// Evaluate runs the tenant's rules for scope against a copy of record.
func (e *Engine) Evaluate(ctx context.Context, tenant types.TenantID, scope types.Scope, record types.Record) (*Result, error) {
	res := &Result{RunID: types.NewRunID(), Tenant: tenant, Scope: scope, Record: record.Clone()}

	set, err := e.prepare(ctx, tenant, scope)
	if err != nil {
		return res, err
	}
	e.run(ctx, set, res)
	e.emit(ctx, res)
	return res, nil
}

// Document groups the records of one imported document.
type Document struct {
	Header types.Record   `json:"header,omitempty"`
	Lines  []types.Record `json:"lines,omitempty"`
	Taxes  []types.Record `json:"taxes,omitempty"`
}

// DocumentResult holds per-record results of EvaluateDocument.
type DocumentResult struct {
	RunID  types.RunID `json:"runId"`
	Header *Result     `json:"header,omitempty"`
	Lines  []*Result   `json:"lines,omitempty"`
	Taxes  []*Result   `json:"taxes,omitempty"`
}

// Aborted totals aborted rules across every record of the document.
func (d *DocumentResult) Aborted() int {
	n := 0
	if d.Header != nil {
		n += d.Header.Aborted()
	}
	for _, r := range d.Lines {
		n += r.Aborted()
	}
	for _, r := range d.Taxes {
		n += r.Aborted()
	}
	return n
}

// EvaluateDocument evaluates a header, its lines and its tax lines. Rules are
// resolved and compiled once per scope; records are evaluated in parallel,
// bounded by the max parallel records option.
func (e *Engine) EvaluateDocument(ctx context.Context, tenant types.TenantID, doc Document) (*DocumentResult, error) {
	out := &DocumentResult{RunID: types.NewRunID()}

	type job struct {
		scope  types.Scope
		record types.Record
		slot   **Result
	}
	var jobs []job
	if doc.Header != nil {
		jobs = append(jobs, job{scope: types.ScopeHeader, record: doc.Header, slot: &out.Header})
	}
	out.Lines = make([]*Result, len(doc.Lines))
	for i := range doc.Lines {
		jobs = append(jobs, job{scope: types.ScopeLine, record: doc.Lines[i], slot: &out.Lines[i]})
	}
	out.Taxes = make([]*Result, len(doc.Taxes))
	for i := range doc.Taxes {
		jobs = append(jobs, job{scope: types.ScopeTax, record: doc.Taxes[i], slot: &out.Taxes[i]})
	}

	// Resolve sequentially so a rule store failure fails the call before
	// any record is touched.
	sets := map[types.Scope]*compiledSet{}
	for _, j := range jobs {
		if _, ok := sets[j.scope]; ok {
			continue
		}
		set, err := e.prepare(ctx, tenant, j.scope)
		if err != nil {
			return out, fmt.Errorf("resolve %s rules: %w", j.scope, err)
		}
		sets[j.scope] = set
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for _, j := range jobs {
		g.Go(func() error {
			res := &Result{RunID: out.RunID, Tenant: tenant, Scope: j.scope, Record: j.record.Clone()}
			e.run(gctx, sets[j.scope], res)
			*j.slot = res
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	for _, j := range jobs {
		e.emit(ctx, *j.slot)
	}
	return out, nil
}

// prepare validates the call, resolves effective rules and compiles them.
func (e *Engine) prepare(ctx context.Context, tenant types.TenantID, scope types.Scope) (*compiledSet, error) {
	if e.rules == nil {
		return nil, errors.New("no rule store configured")
	}
	effective, err := EffectiveRules(ctx, e.rules, tenant, scope)
	if err != nil {
		return nil, err
	}

	set := &compiledSet{entries: make([]compiledEntry, 0, len(effective))}
	for _, rule := range effective {
		compiled, err := Compile(rule)
		if err != nil {
			e.logger.Warn("skipping rule with invalid configuration",
				"tenant", tenant, "scope", scope, "rule", rule.Code, "origin", rule.Origin, "error", err)
			set.entries = append(set.entries, compiledEntry{code: rule.Code, skip: reason(err)})
			continue
		}
		set.entries = append(set.entries, compiledEntry{code: rule.Code, rule: compiled})
	}
	return set, nil
}

// run applies the compiled rules to res.Record in order.
func (e *Engine) run(ctx context.Context, set *compiledSet, res *Result) {
	res.Audit = make([]AuditEntry, 0, len(set.entries))
	for _, entry := range set.entries {
		if entry.rule == nil {
			res.Audit = append(res.Audit, AuditEntry{RuleCode: entry.code, Skipped: entry.skip, FieldsChanged: []string{}})
			continue
		}

		audit, stop := e.runRule(ctx, entry.rule, res)
		res.Audit = append(res.Audit, audit)
		if stop {
			break
		}
	}
}

// runRule evaluates one rule and reports whether the pipeline must stop.
func (e *Engine) runRule(ctx context.Context, rule *CompiledRule, res *Result) (AuditEntry, bool) {
	trace := &ruleTrace{}
	changed, warnings := ApplyTransformations(rule, res.Record)
	for _, f := range changed {
		trace.change(f)
	}
	trace.warnings = append(trace.warnings, warnings...)

	entry := AuditEntry{RuleCode: rule.Code}
	if EvaluateConditions(rule, res.Record) {
		entry.Matched = true
		for _, action := range rule.Actions {
			err := e.exec.apply(ctx, res.Record, action, trace)
			if err == nil {
				continue
			}
			var ce *ConfigError
			if errors.As(err, &ce) {
				entry.Skipped = reason(err)
				e.logger.Warn("skipping rule with invalid lookup",
					"run_id", res.RunID, "tenant", res.Tenant, "scope", res.Scope,
					"rule", rule.Code, "operation", action.Operation(), "error", err)
				break
			}
			entry.Aborted = reason(err)
			e.logger.Error("rule aborted by lookup failure",
				"run_id", res.RunID, "tenant", res.Tenant, "scope", res.Scope,
				"rule", rule.Code, "operation", action.Operation(), "error", err)
			break
		}
	}

	entry.FieldsChanged = trace.changed
	if entry.FieldsChanged == nil {
		entry.FieldsChanged = []string{}
	}
	entry.Warnings = trace.warnings
	for _, w := range trace.warnings {
		e.logger.Debug("rule warning", "run_id", res.RunID, "rule", rule.Code, "warning", w)
	}
	return entry, entry.Matched && rule.StopOnMatch
}

// emit forwards a result to the audit sink.
func (e *Engine) emit(ctx context.Context, res *Result) {
	if e.audit == nil || res == nil {
		return
	}
	if err := e.audit.WriteAudit(ctx, res); err != nil {
		e.logger.Warn("audit sink write failed", "run_id", res.RunID, "error", err)
	}
}

// reason renders an error for an audit entry without the rule prefix that
// ConfigError adds.
func reason(err error) string {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Err.Error()
	}
	return err.Error()
}
