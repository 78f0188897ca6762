package memstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Fixtures is the YAML document shared by the in-memory store, offline
// evaluation and the seed command.
//
//	tenantRules:
//	  - tenant: acme
//	    code: PROD_BANDEJAS
//	    priority: 40
//	    scope: LINE
//	    configuration: {conditions: [...], actions: [...]}
//	globalRules: [...]
//	activations:
//	  - {tenant: acme, rule: CTA_PRODUCTO, priority: 5}
//	tables:
//	  productos:
//	    - {codigo: BANDE, cuenta_contable: "3010101"}
type Fixtures struct {
	TenantRules []RuleFixture                `yaml:"tenantRules"`
	GlobalRules []RuleFixture                `yaml:"globalRules"`
	Activations []ActivationFixture          `yaml:"activations"`
	Tables      map[string][]map[string]any `yaml:"tables"`
}

// RuleFixture is one rule. Configuration may be a YAML mapping or a JSON
// string.
type RuleFixture struct {
	Tenant        string `yaml:"tenant"`
	Code          string `yaml:"code"`
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"`
	Priority      int    `yaml:"priority"`
	Active        *bool  `yaml:"active"`
	Scope         string `yaml:"scope"`
	Version       int    `yaml:"version"`
	Configuration any    `yaml:"configuration"`
}

// ActivationFixture links a tenant to a global rule.
type ActivationFixture struct {
	Tenant        string `yaml:"tenant"`
	Rule          string `yaml:"rule"`
	Priority      *int   `yaml:"priority"`
	Configuration any    `yaml:"configuration"`
}

// LoadFixtures reads and parses a fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes a fixtures document. Unknown keys are rejected.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return &fx, nil
}

func (f RuleFixture) rule() (types.Rule, error) {
	cfg, err := rawJSON(f.Configuration)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: configuration: %w", f.Code, err)
	}
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	scope, err := types.ParseScope(f.Scope)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: %w", f.Code, err)
	}
	r := types.Rule{
		Code:          f.Code,
		Name:          f.Name,
		Kind:          types.RuleKind(f.Kind),
		Priority:      f.Priority,
		Active:        f.Active == nil || *f.Active,
		Scope:         scope,
		Configuration: cfg,
		Version:       f.Version,
	}
	if r.Name == "" {
		r.Name = r.Code
	}
	if r.Kind == "" {
		r.Kind = types.KindTransformation
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return r, nil
}

// TenantRuleList converts the tenantRules section.
func (fx *Fixtures) TenantRuleList() ([]types.TenantRule, error) {
	out := make([]types.TenantRule, 0, len(fx.TenantRules))
	for _, f := range fx.TenantRules {
		if f.Tenant == "" {
			return nil, fmt.Errorf("%w: tenant rule %s", types.ErrOwnership, f.Code)
		}
		r, err := f.rule()
		if err != nil {
			return nil, err
		}
		out = append(out, types.TenantRule{Rule: r, TenantID: types.TenantID(f.Tenant)})
	}
	return out, nil
}

// GlobalRuleList converts the globalRules section.
func (fx *Fixtures) GlobalRuleList() ([]types.GlobalRule, error) {
	out := make([]types.GlobalRule, 0, len(fx.GlobalRules))
	for _, f := range fx.GlobalRules {
		if f.Tenant != "" {
			return nil, fmt.Errorf("%w: global rule %s", types.ErrOwnership, f.Code)
		}
		r, err := f.rule()
		if err != nil {
			return nil, err
		}
		out = append(out, types.GlobalRule{Rule: r})
	}
	return out, nil
}

// LinkList converts the activations section.
func (fx *Fixtures) LinkList() ([]types.ActivationLink, error) {
	out := make([]types.ActivationLink, 0, len(fx.Activations))
	for _, a := range fx.Activations {
		cfg, err := rawJSON(a.Configuration)
		if err != nil {
			return nil, fmt.Errorf("activation %s/%s: configuration: %w", a.Tenant, a.Rule, err)
		}
		out = append(out, types.ActivationLink{
			TenantID:              types.TenantID(a.Tenant),
			RuleCode:              a.Rule,
			PriorityOverride:      a.Priority,
			ConfigurationOverride: cfg,
		})
	}
	return out, nil
}

// TableNames returns the fixture tables in sorted order.
func (fx *Fixtures) TableNames() []string {
	names := make([]string, 0, len(fx.Tables))
	for name := range fx.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TableRecords returns a table's rows normalized to Record conventions
// (YAML integers become float64).
func (fx *Fixtures) TableRecords(table string) ([]types.Record, error) {
	rows := fx.Tables[table]
	out := make([]types.Record, 0, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", table, i, err)
		}
		rec, err := types.DecodeRecord(b)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", table, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// rawJSON turns a YAML configuration value into JSON. Strings are taken as
// JSON text already.
func rawJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if !json.Valid([]byte(t)) {
			return nil, fmt.Errorf("not valid JSON")
		}
		return json.RawMessage(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}
