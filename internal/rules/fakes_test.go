package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// fakeRuleStore serves a fixed rule set and counts ListRules calls.
type fakeRuleStore struct {
	mu        sync.Mutex
	tenant    []types.TenantRule
	global    []types.GlobalRule
	links     []types.ActivationLink
	err       error
	listCalls int
}

func (s *fakeRuleStore) ListRules(_ context.Context, tenant types.TenantID, scope types.Scope) (types.RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.err != nil {
		return types.RuleSet{}, s.err
	}
	var set types.RuleSet
	for _, r := range s.tenant {
		if r.TenantID == tenant && r.Scope.Covers(scope) {
			set.Tenant = append(set.Tenant, r)
		}
	}
	for _, g := range s.global {
		if g.Scope.Covers(scope) {
			set.Global = append(set.Global, g)
		}
	}
	return set, nil
}

func (s *fakeRuleStore) ListActivationLinks(_ context.Context, tenant types.TenantID) ([]types.ActivationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []types.ActivationLink
	for _, l := range s.links {
		if l.TenantID == tenant {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) unlink(tenant types.TenantID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.links[:0]
	for _, l := range s.links {
		if l.TenantID != tenant || l.RuleCode != code {
			kept = append(kept, l)
		}
	}
	s.links = kept
}

// spyRecordStore is an in-memory RecordStore that counts reads per table and
// can be told to fail for a table.
type spyRecordStore struct {
	mu     sync.Mutex
	tables map[string][]types.Record
	fail   map[string]error
	calls  map[string]int
	preds  []Predicate
}

func newSpyStore(tables map[string][]types.Record) *spyRecordStore {
	return &spyRecordStore{tables: tables, fail: map[string]error{}, calls: map[string]int{}}
}

func (s *spyRecordStore) FindOne(ctx context.Context, table string, pred Predicate) (types.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[table]++
	s.preds = append(s.preds, pred)
	if err := s.fail[table]; err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	for _, row := range s.tables[table] {
		if pred.Matches(row) {
			return row.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (s *spyRecordStore) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

var errStoreDown = errors.New("connection refused")

func tenantRule(tenant types.TenantID, code string, priority int, scope types.Scope, config string) types.TenantRule {
	return types.TenantRule{
		TenantID: tenant,
		Rule: types.Rule{
			Code:          code,
			Name:          code,
			Kind:          types.KindTransformation,
			Priority:      priority,
			Active:        true,
			Scope:         scope,
			Configuration: json.RawMessage(config),
			Version:       1,
		},
	}
}

func globalRule(code string, priority int, scope types.Scope, config string) types.GlobalRule {
	return types.GlobalRule{Rule: types.Rule{
		Code:          code,
		Name:          code,
		Kind:          types.KindImportMapping,
		Priority:      priority,
		Active:        true,
		Scope:         scope,
		Configuration: json.RawMessage(config),
		Version:       1,
	}}
}

// recordingSink collects every result passed to WriteAudit.
type recordingSink struct {
	mu      sync.Mutex
	results []*Result
}

func (s *recordingSink) WriteAudit(_ context.Context, res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}
