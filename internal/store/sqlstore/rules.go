package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// ruleRow is one row of the rules table.
type ruleRow struct {
	Code          string         `db:"rule_code"`
	TenantID      sql.NullString `db:"tenant_id"`
	IsGlobal      bool           `db:"is_global"`
	Name          string         `db:"name"`
	Kind          string         `db:"kind"`
	Priority      int            `db:"priority"`
	Active        bool           `db:"active"`
	Scope         string         `db:"scope"`
	Configuration string         `db:"configuration"`
	Version       int            `db:"version"`
}

func (r ruleRow) rule() types.Rule {
	return types.Rule{
		Code:          r.Code,
		Name:          r.Name,
		Kind:          types.RuleKind(r.Kind),
		Priority:      r.Priority,
		Active:        r.Active,
		Scope:         types.Scope(r.Scope),
		Configuration: json.RawMessage(r.Configuration),
		Version:       r.Version,
	}
}

// linkRow is one row of rule_activations.
type linkRow struct {
	TenantID              string         `db:"tenant_id"`
	RuleCode              string         `db:"rule_code"`
	PriorityOverride      sql.NullInt64  `db:"priority_override"`
	ConfigurationOverride sql.NullString `db:"configuration_override"`
}

// ListRules returns the tenant's active rules and every active global rule
// whose scope covers scope.
func (s *Store) ListRules(ctx context.Context, tenant types.TenantID, scope types.Scope) (types.RuleSet, error) {
	var set types.RuleSet

	var tenantRows []ruleRow
	if err := s.queries.SelectContext(ctx, "list-tenant-rules", &tenantRows, false, string(tenant), string(scope), true); err != nil {
		return set, fmt.Errorf("list tenant rules: %w", err)
	}
	for _, r := range tenantRows {
		set.Tenant = append(set.Tenant, types.TenantRule{Rule: r.rule(), TenantID: types.TenantID(r.TenantID.String)})
	}

	var globalRows []ruleRow
	if err := s.queries.SelectContext(ctx, "list-global-rules", &globalRows, true, string(scope), true); err != nil {
		return set, fmt.Errorf("list global rules: %w", err)
	}
	for _, r := range globalRows {
		set.Global = append(set.Global, types.GlobalRule{Rule: r.rule()})
	}

	return set, nil
}

// ListActivationLinks returns the tenant's activation links.
func (s *Store) ListActivationLinks(ctx context.Context, tenant types.TenantID) ([]types.ActivationLink, error) {
	var rows []linkRow
	if err := s.queries.SelectContext(ctx, "list-activations", &rows, string(tenant)); err != nil {
		return nil, fmt.Errorf("list activation links: %w", err)
	}

	links := make([]types.ActivationLink, 0, len(rows))
	for _, r := range rows {
		link := types.ActivationLink{TenantID: types.TenantID(r.TenantID), RuleCode: r.RuleCode}
		if r.PriorityOverride.Valid {
			p := int(r.PriorityOverride.Int64)
			link.PriorityOverride = &p
		}
		if r.ConfigurationOverride.Valid {
			link.ConfigurationOverride = json.RawMessage(r.ConfigurationOverride.String)
		}
		links = append(links, link)
	}
	return links, nil
}

// UpsertTenantRule creates or edits a tenant rule and returns its version.
func (s *Store) UpsertTenantRule(ctx context.Context, r types.TenantRule) (int, error) {
	if strings.TrimSpace(string(r.TenantID)) == "" {
		return 0, fmt.Errorf("%w: rule %s", types.ErrOwnership, r.Code)
	}
	tenant := r.TenantID
	return s.upsertRule(ctx, r.Rule, &tenant)
}

// UpsertGlobalRule creates or edits a global rule and returns its version.
func (s *Store) UpsertGlobalRule(ctx context.Context, r types.GlobalRule) (int, error) {
	return s.upsertRule(ctx, r.Rule, nil)
}

// upsertRule inserts at version 1 or updates with version+1. A code owned by
// a different tenant, or switching between global and tenant, is rejected.
func (s *Store) upsertRule(ctx context.Context, r types.Rule, tenant *types.TenantID) (int, error) {
	if err := s.validateRule(&r); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	q := s.queries.WithTx(tx)

	now := time.Now().UTC()
	var tenantID sql.NullString
	if tenant != nil {
		tenantID = sql.NullString{String: string(*tenant), Valid: true}
	}

	var existing ruleRow
	err = q.GetContext(ctx, "get-rule", &existing, r.Code)
	version := 1
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx, "insert-rule",
			r.Code, tenantID, tenant == nil, r.Name, string(r.Kind), r.Priority, r.Active,
			string(r.Scope), string(r.Configuration), now, now)
		if err != nil {
			return 0, fmt.Errorf("insert rule %s: %w", r.Code, err)
		}
	case err != nil:
		return 0, fmt.Errorf("get rule %s: %w", r.Code, err)
	default:
		if existing.IsGlobal != (tenant == nil) || existing.TenantID != tenantID {
			return 0, fmt.Errorf("%w: rule %s is owned elsewhere", types.ErrOwnership, r.Code)
		}
		_, err = q.ExecContext(ctx, "update-rule",
			r.Name, string(r.Kind), r.Priority, r.Active, string(r.Scope), string(r.Configuration), now, r.Code)
		if err != nil {
			return 0, fmt.Errorf("update rule %s: %w", r.Code, err)
		}
		version = existing.Version + 1
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rule %s: %w", r.Code, err)
	}
	return version, nil
}

// validateRule normalizes scope and rejects rules the engine could never
// compile, so bad configuration fails at write time.
func (s *Store) validateRule(r *types.Rule) error {
	if strings.TrimSpace(r.Code) == "" {
		return fmt.Errorf("%w: rule code", types.ErrMissingAttribute)
	}
	if r.Priority <= 0 {
		return fmt.Errorf("rule %s: priority must be positive, got %d", r.Code, r.Priority)
	}
	scope, err := types.ParseScope(string(r.Scope))
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Code, err)
	}
	r.Scope = scope
	switch r.Kind {
	case types.KindValidation, types.KindTransformation, types.KindImportMapping:
	default:
		return fmt.Errorf("rule %s: unknown kind %q", r.Code, r.Kind)
	}
	if r.Name == "" {
		r.Name = r.Code
	}
	return s.checkConfiguration(r.Code, r.Configuration)
}

// checkConfiguration validates, decodes and compiles raw, then checks every
// table its lookups read against the store's lookup rules.
func (s *Store) checkConfiguration(code string, raw json.RawMessage) error {
	if err := rules.ValidateConfiguration(raw); err != nil {
		return fmt.Errorf("rule %s: %w", code, err)
	}
	cfg, err := rules.DecodeConfiguration(raw)
	if err != nil {
		return fmt.Errorf("rule %s: %w", code, err)
	}
	compiled, err := rules.CompileConfiguration(cfg)
	if err != nil {
		return fmt.Errorf("rule %s: %w", code, err)
	}
	for _, table := range compiled.Tables() {
		if err := s.checkTable(table); err != nil {
			return fmt.Errorf("rule %s: %w", code, err)
		}
	}
	return nil
}

// Activate creates or replaces the tenant's activation link to a global rule.
func (s *Store) Activate(ctx context.Context, link types.ActivationLink) error {
	if strings.TrimSpace(string(link.TenantID)) == "" {
		return types.ErrMissingTenant
	}

	var existing ruleRow
	err := s.queries.GetContext(ctx, "get-rule", &existing, link.RuleCode)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !existing.IsGlobal) {
		return fmt.Errorf("%w: global rule %s", types.ErrRuleNotFound, link.RuleCode)
	}
	if err != nil {
		return fmt.Errorf("get rule %s: %w", link.RuleCode, err)
	}

	var priority sql.NullInt64
	if link.PriorityOverride != nil {
		if *link.PriorityOverride <= 0 {
			return fmt.Errorf("activation %s: priority override must be positive", link.RuleCode)
		}
		priority = sql.NullInt64{Int64: int64(*link.PriorityOverride), Valid: true}
	}
	var override sql.NullString
	if len(link.ConfigurationOverride) > 0 && string(link.ConfigurationOverride) != "null" {
		if err := s.checkConfiguration(link.RuleCode, link.ConfigurationOverride); err != nil {
			return err
		}
		override = sql.NullString{String: string(link.ConfigurationOverride), Valid: true}
	}

	_, err = s.queries.ExecContext(ctx, "upsert-activation",
		string(link.TenantID), link.RuleCode, priority, override, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("activate %s for %s: %w", link.RuleCode, link.TenantID, err)
	}
	return nil
}

// Deactivate removes the activation link. It reports whether a link existed.
func (s *Store) Deactivate(ctx context.Context, tenant types.TenantID, code string) (bool, error) {
	res, err := s.queries.ExecContext(ctx, "delete-activation", string(tenant), code)
	if err != nil {
		return false, fmt.Errorf("deactivate %s for %s: %w", code, tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
