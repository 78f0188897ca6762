// Package memstore is an in-memory rule and record store.
//
// It backs offline evaluation (`fieldkeeper evaluate --fixtures`) and tests.
// Lookup semantics come from rules.Predicate.Matches so results agree with
// the SQL store; reads are counted per table.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Store implements rules.RuleStore and rules.RecordStore.
type Store struct {
	mu     sync.RWMutex
	tenant []types.TenantRule
	global []types.GlobalRule
	links  []types.ActivationLink
	tables map[string][]types.Record
	reads  map[string]int
}

var (
	_ rules.RuleStore   = (*Store)(nil)
	_ rules.RecordStore = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		tables: make(map[string][]types.Record),
		reads:  make(map[string]int),
	}
}

// FromFixtures builds a store from parsed fixtures, validating every rule
// configuration and activation the same way the SQL store does on write.
func FromFixtures(fx *Fixtures) (*Store, error) {
	s := New()

	tenantRules, err := fx.TenantRuleList()
	if err != nil {
		return nil, err
	}
	for _, r := range tenantRules {
		if err := s.PutTenantRule(r); err != nil {
			return nil, err
		}
	}

	globalRules, err := fx.GlobalRuleList()
	if err != nil {
		return nil, err
	}
	for _, g := range globalRules {
		if err := s.PutGlobalRule(g); err != nil {
			return nil, err
		}
	}

	links, err := fx.LinkList()
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if err := s.Link(l); err != nil {
			return nil, err
		}
	}

	for _, table := range fx.TableNames() {
		rows, err := fx.TableRecords(table)
		if err != nil {
			return nil, err
		}
		if err := s.PutRecords(table, rows...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PutTenantRule adds or replaces a tenant rule by code.
func (s *Store) PutTenantRule(r types.TenantRule) error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant rule %s", types.ErrOwnership, r.Code)
	}
	if err := rules.ValidateConfiguration(r.Configuration); err != nil {
		return fmt.Errorf("rule %s: %w", r.Code, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalIndex(r.Code) >= 0 {
		return fmt.Errorf("%w: rule %s is global", types.ErrOwnership, r.Code)
	}
	for i := range s.tenant {
		if s.tenant[i].Code == r.Code {
			if s.tenant[i].TenantID != r.TenantID {
				return fmt.Errorf("%w: rule %s belongs to another tenant", types.ErrOwnership, r.Code)
			}
			s.tenant[i] = r
			return nil
		}
	}
	s.tenant = append(s.tenant, r)
	return nil
}

// PutGlobalRule adds or replaces a global rule by code.
func (s *Store) PutGlobalRule(g types.GlobalRule) error {
	if err := rules.ValidateConfiguration(g.Configuration); err != nil {
		return fmt.Errorf("rule %s: %w", g.Code, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.tenant {
		if r.Code == g.Code {
			return fmt.Errorf("%w: rule %s is a tenant rule", types.ErrOwnership, g.Code)
		}
	}
	if i := s.globalIndex(g.Code); i >= 0 {
		s.global[i] = g
		return nil
	}
	s.global = append(s.global, g)
	return nil
}

func (s *Store) globalIndex(code string) int {
	for i, g := range s.global {
		if g.Code == code {
			return i
		}
	}
	return -1
}

// Link activates a global rule for a tenant, replacing any existing link.
func (s *Store) Link(l types.ActivationLink) error {
	if l.TenantID == "" {
		return types.ErrMissingTenant
	}
	if l.PriorityOverride != nil && *l.PriorityOverride <= 0 {
		return fmt.Errorf("activation %s: priority override must be positive", l.RuleCode)
	}
	if len(l.ConfigurationOverride) > 0 && string(l.ConfigurationOverride) != "null" {
		if err := checkConfiguration(l.RuleCode, l.ConfigurationOverride); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalIndex(l.RuleCode) < 0 {
		return fmt.Errorf("%w: global rule %s", types.ErrRuleNotFound, l.RuleCode)
	}
	for i, existing := range s.links {
		if existing.TenantID == l.TenantID && existing.RuleCode == l.RuleCode {
			s.links[i] = l
			return nil
		}
	}
	s.links = append(s.links, l)
	return nil
}

// checkConfiguration validates, decodes and compiles raw.
func checkConfiguration(code string, raw json.RawMessage) error {
	if err := rules.ValidateConfiguration(raw); err != nil {
		return fmt.Errorf("activation %s: %w", code, err)
	}
	cfg, err := rules.DecodeConfiguration(raw)
	if err != nil {
		return fmt.Errorf("activation %s: %w", code, err)
	}
	if _, err := rules.CompileConfiguration(cfg); err != nil {
		return fmt.Errorf("activation %s: %w", code, err)
	}
	return nil
}

// Unlink deactivates a global rule for a tenant. It reports whether a link
// existed.
func (s *Store) Unlink(tenant types.TenantID, code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.links {
		if l.TenantID == tenant && l.RuleCode == code {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return true
		}
	}
	return false
}

// PutRecords appends rows to a master table.
func (s *Store) PutRecords(table string, rows ...types.Record) error {
	if !rules.ValidIdentifier(table) {
		return fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], r.Clone())
	}
	return nil
}

// ListRules returns the tenant's active rules and all active global rules
// covering scope.
func (s *Store) ListRules(ctx context.Context, tenant types.TenantID, scope types.Scope) (types.RuleSet, error) {
	if err := ctx.Err(); err != nil {
		return types.RuleSet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var set types.RuleSet
	for _, r := range s.tenant {
		if r.TenantID == tenant && r.Active && r.Scope.Covers(scope) {
			set.Tenant = append(set.Tenant, r)
		}
	}
	for _, g := range s.global {
		if g.Active && g.Scope.Covers(scope) {
			set.Global = append(set.Global, g)
		}
	}
	return set, nil
}

// ListActivationLinks returns the tenant's links.
func (s *Store) ListActivationLinks(ctx context.Context, tenant types.TenantID) ([]types.ActivationLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ActivationLink
	for _, l := range s.links {
		if l.TenantID == tenant {
			out = append(out, l)
		}
	}
	return out, nil
}

// FindOne returns a copy of the first row in insertion order matching pred.
func (s *Store) FindOne(ctx context.Context, table string, pred rules.Predicate) (types.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !rules.ValidIdentifier(table) {
		return nil, false, fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, table)
	}

	s.mu.Lock()
	s.reads[table]++
	rows := s.tables[table]
	s.mu.Unlock()

	for _, row := range rows {
		if pred.Matches(row) {
			return row.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// Reads reports how many lookups hit table.
func (s *Store) Reads(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[table]
}

// TotalReads reports lookups across all tables.
func (s *Store) TotalReads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.reads {
		n += c
	}
	return n
}
