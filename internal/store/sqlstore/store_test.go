package sqlstore

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/fieldkeeper/internal/core/db"
	"github.com/ledgerline/fieldkeeper/internal/rules"
	"github.com/ledgerline/fieldkeeper/internal/types"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "fk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = db.MigrateUp(context.Background(), database)
	require.NoError(t, err)

	s, err := New(database, opts...)
	require.NoError(t, err)
	return s
}

func rule(code string, priority int, scope types.Scope, config string) types.Rule {
	return types.Rule{
		Code:          code,
		Name:          code,
		Kind:          types.KindTransformation,
		Priority:      priority,
		Active:        true,
		Scope:         scope,
		Configuration: json.RawMessage(config),
	}
}

const setConfig = `{"conditions":[],"actions":[{"operation":"SET","field":"x","value":"1"}]}`

func TestStore_UpsertAndListRules(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("T_LINE", 20, types.ScopeLine, setConfig)})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("T_LINE", 15, types.ScopeLine, setConfig)})
	require.NoError(t, err)
	assert.Equal(t, 2, v, "edit increments version")

	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("T_ALL", 30, types.ScopeAll, setConfig)})
	require.NoError(t, err)
	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("T_TAX", 30, types.ScopeTax, setConfig)})
	require.NoError(t, err)
	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "globex", Rule: rule("OTHER", 1, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	inactive := rule("T_OFF", 1, types.ScopeLine, setConfig)
	inactive.Active = false
	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: inactive})
	require.NoError(t, err)

	_, err = s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("G_LINE", 5, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	set, err := s.ListRules(ctx, "acme", types.ScopeLine)
	require.NoError(t, err)

	var tenantCodes []string
	for _, r := range set.Tenant {
		assert.Equal(t, types.TenantID("acme"), r.TenantID)
		tenantCodes = append(tenantCodes, r.Code)
	}
	assert.Equal(t, []string{"T_LINE", "T_ALL"}, tenantCodes)
	require.Len(t, set.Global, 1)
	assert.Equal(t, "G_LINE", set.Global[0].Code)
	assert.Equal(t, 15, set.Tenant[0].Priority)
	assert.Equal(t, 2, set.Tenant[0].Version)
	assert.JSONEq(t, setConfig, string(set.Tenant[0].Configuration))
}

func TestStore_UpsertRejects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("SHARED", 1, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		upsert  func() error
		wantErr error
	}{
		{
			name: "tenant rule without tenant",
			upsert: func() error {
				_, err := s.UpsertTenantRule(ctx, types.TenantRule{Rule: rule("NO_TENANT", 1, types.ScopeLine, setConfig)})
				return err
			},
			wantErr: types.ErrOwnership,
		},
		{
			name: "tenant takes over a global code",
			upsert: func() error {
				_, err := s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("SHARED", 1, types.ScopeLine, setConfig)})
				return err
			},
			wantErr: types.ErrOwnership,
		},
		{
			name: "schema violation",
			upsert: func() error {
				_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("BAD", 1, types.ScopeLine, `{"conditions":[{"field":"a","operator":"LIKE"}]}`)})
				return err
			},
			wantErr: types.ErrInvalidConfiguration,
		},
		{
			name: "bad regex rejected at write time",
			upsert: func() error {
				_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("BAD_RE", 1, types.ScopeLine, `{"conditions":[{"field":"a","operator":"REGEX","value":"("}],"actions":[]}`)})
				return err
			},
			wantErr: types.ErrInvalidPattern,
		},
		{
			name: "unknown scope",
			upsert: func() error {
				_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("BAD_SCOPE", 1, "FOOTER", setConfig)})
				return err
			},
			wantErr: types.ErrInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.upsert(), tt.wantErr)
		})
	}

	_, err = s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("ZERO", 0, types.ScopeLine, setConfig)})
	assert.Error(t, err, "priority must be positive")
}

func TestStore_ActivationLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("G1", 10, types.ScopeLine, setConfig)})
	require.NoError(t, err)
	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("T1", 10, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	prio := 3
	override := json.RawMessage(`{"actions":[{"operation":"SET","field":"x","value":"2"}]}`)
	require.NoError(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "G1", PriorityOverride: &prio, ConfigurationOverride: override}))

	links, err := s.ListActivationLinks(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "G1", links[0].RuleCode)
	require.NotNil(t, links[0].PriorityOverride)
	assert.Equal(t, 3, *links[0].PriorityOverride)
	assert.JSONEq(t, string(override), string(links[0].ConfigurationOverride))

	// Re-activating replaces the overrides.
	require.NoError(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "G1"}))
	links, err = s.ListActivationLinks(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Nil(t, links[0].PriorityOverride)
	assert.Empty(t, links[0].ConfigurationOverride)

	assert.ErrorIs(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "T1"}), types.ErrRuleNotFound)
	assert.ErrorIs(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "NOPE"}), types.ErrRuleNotFound)
	assert.ErrorIs(t, s.Activate(ctx, types.ActivationLink{RuleCode: "G1"}), types.ErrMissingTenant)

	removed, err := s.Deactivate(ctx, "acme", "G1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Deactivate(ctx, "acme", "G1")
	require.NoError(t, err)
	assert.False(t, removed)

	links, err = s.ListActivationLinks(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestStore_FindOne(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	s := newTestStore(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	for _, row := range []types.Record{
		{"codigo": "BANDE", "descripcion": "Bandejas", "cuenta_contable": "3010101",
			"datos": map[string]any{"contabilidad": map[string]any{"subcuenta": "SUB001"}, "alias": []any{"BJ", "BDJ"}}},
		{"codigo": "VASOS", "descripcion": "Vasos", "cuenta_contable": "3010199"},
	} {
		require.NoError(t, s.InsertRecord(ctx, "productos", row))
	}
	for _, row := range []types.Record{
		{"tipo_campo": "CUENTA", "codigo": "C1", "parametros_json": map[string]any{"cuenta": "3010101", "nivel": 2.0}},
		{"tipo_campo": "PRODUCTO", "codigo": "P1", "parametros_json": map[string]any{"cuenta": "3010101"}},
	} {
		require.NoError(t, s.InsertRecord(ctx, "parametros_maestros", row))
	}

	tests := []struct {
		name      string
		table     string
		pred      rules.Predicate
		wantFound bool
		wantCol   string
		wantValue any
	}{
		{
			name:      "plain column",
			table:     "productos",
			pred:      rules.Predicate{Column: "codigo", Value: "BANDE"},
			wantFound: true, wantCol: "cuenta_contable", wantValue: "3010101",
		},
		{
			name:  "plain miss",
			table: "productos",
			pred:  rules.Predicate{Column: "codigo", Value: "bande"},
		},
		{
			name:      "json path",
			table:     "productos",
			pred:      rules.Predicate{Column: "datos", JSONPath: []types.PathSegment{{Key: "contabilidad"}, {Key: "subcuenta"}}, Value: "SUB001"},
			wantFound: true, wantCol: "codigo", wantValue: "BANDE",
		},
		{
			name:      "json array index",
			table:     "productos",
			pred:      rules.Predicate{Column: "datos", JSONPath: []types.PathSegment{{Key: "alias"}, {Index: 1, IsIndex: true}}, Value: "BDJ"},
			wantFound: true, wantCol: "codigo", wantValue: "BANDE",
		},
		{
			name:      "json number compared as text",
			table:     "parametros_maestros",
			pred:      rules.Predicate{Column: "parametros_json", JSONPath: []types.PathSegment{{Key: "nivel"}}, Value: "2"},
			wantFound: true, wantCol: "codigo", wantValue: "C1",
		},
		{
			name:  "type filter",
			table: "parametros_maestros",
			pred: rules.Predicate{Column: "parametros_json", JSONPath: []types.PathSegment{{Key: "cuenta"}}, Value: "3010101",
				Filters: []rules.ColumnFilter{{Column: "tipo_campo", Value: "PRODUCTO"}}},
			wantFound: true, wantCol: "codigo", wantValue: "P1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, found, err := s.FindOne(ctx, tt.table, tt.pred)
			require.NoError(t, err)
			require.Equal(t, tt.wantFound, found)
			if tt.wantFound {
				assert.Equal(t, tt.wantValue, row[tt.wantCol])
			}
		})
	}

	t.Run("ambiguous match logs and returns a row", func(t *testing.T) {
		logs.Reset()
		row, found, err := s.FindOne(ctx, "parametros_maestros", rules.Predicate{
			Column: "parametros_json", JSONPath: []types.PathSegment{{Key: "cuenta"}}, Value: "3010101"})
		require.NoError(t, err)
		require.True(t, found)
		assert.Contains(t, []any{"C1", "P1"}, row["codigo"])
		assert.Contains(t, logs.String(), "ambiguous lookup")
	})

	t.Run("numbers arrive as float64", func(t *testing.T) {
		row, found, err := s.FindOne(ctx, "parametros_maestros", rules.Predicate{Column: "codigo", Value: "C1"})
		require.NoError(t, err)
		require.True(t, found)
		assert.IsType(t, float64(0), row["id"])
	})
}

func TestStore_FindOneRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithAllowedTables("productos", "parametros_maestros"))

	tests := []struct {
		name    string
		table   string
		pred    rules.Predicate
		wantErr error
	}{
		{name: "injection in table", table: "productos; DROP TABLE rules", pred: rules.Predicate{Column: "codigo"}, wantErr: types.ErrInvalidIdentifier},
		{name: "injection in column", table: "productos", pred: rules.Predicate{Column: "codigo = codigo OR 1"}, wantErr: types.ErrInvalidIdentifier},
		{name: "injection in filter", table: "productos", pred: rules.Predicate{Column: "codigo", Filters: []rules.ColumnFilter{{Column: "x--"}}}, wantErr: types.ErrInvalidIdentifier},
		{name: "reserved table", table: "api_keys", pred: rules.Predicate{Column: "tenant_id"}, wantErr: types.ErrTableNotAllowed},
		{name: "outside allowlist", table: "cuentas_contables", pred: rules.Predicate{Column: "cuenta"}, wantErr: types.ErrTableNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.FindOne(ctx, tt.table, tt.pred)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStore_RejectsLookupsOnForbiddenTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithAllowedTables("productos"))

	_, err := s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("G1", 10, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	reserved := `{"actions":[{"operation":"LOOKUP","field":"clave","table":"api_keys","queryField":"tenant_id","queryValue":"{t}","resultField":"key_hash"}]}`
	outside := `{"actions":[{"operation":"LOOKUP_CHAIN","field":"cta","valueQuery":"{codigo}","chain":[
		{"table":"productos","queryField":"codigo","resultField":"cuenta_contable"},
		{"table":"cuentas_contables","queryField":"cuenta","resultField":"nombre"}]}]}`

	_, err = s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("CLAVES", 1, types.ScopeLine, reserved)})
	assert.ErrorIs(t, err, types.ErrTableNotAllowed)
	_, err = s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("CADENA", 1, types.ScopeLine, outside)})
	assert.ErrorIs(t, err, types.ErrTableNotAllowed)

	err = s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "G1", ConfigurationOverride: json.RawMessage(reserved)})
	assert.ErrorIs(t, err, types.ErrTableNotAllowed)

	links, err := s.ListActivationLinks(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestStore_EngineSkipsRuleOnForbiddenTable(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "fk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = db.MigrateUp(ctx, database)
	require.NoError(t, err)

	open, err := New(database)
	require.NoError(t, err)
	_, err = open.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("CTA", 1, types.ScopeLine, `{
		"actions": [{"operation": "LOOKUP", "field": "nombre", "table": "cuentas_contables",
			"queryField": "cuenta", "queryValue": "{cuenta}", "resultField": "nombre", "defaultValue": "DEF"}]}`)})
	require.NoError(t, err)
	_, err = open.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("NEXT", 2, types.ScopeLine, setConfig)})
	require.NoError(t, err)

	// The allowlist narrows after the rule was saved.
	narrow, err := New(database, WithAllowedTables("productos"))
	require.NoError(t, err)
	engine := rules.NewEngine(narrow, narrow, rules.WithLogger(slog.New(slog.DiscardHandler)))
	res, err := engine.Evaluate(ctx, "acme", types.ScopeLine, types.Record{"cuenta": "3010101"})
	require.NoError(t, err)

	require.Len(t, res.Audit, 2)
	assert.Contains(t, res.Audit[0].Skipped, "not allowed")
	assert.Empty(t, res.Audit[0].Aborted)
	assert.Zero(t, res.Aborted())
	assert.NotContains(t, res.Record, "nombre")
	assert.Equal(t, "1", res.Record["x"])
}

func TestStore_EngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRecord(ctx, "productos", types.Record{"codigo": "BANDE", "cuenta_contable": "3010101"}))
	require.NoError(t, s.InsertRecord(ctx, "parametros_maestros", types.Record{
		"tipo_campo": "CUENTA_CONTABLE", "codigo": "3010101",
		"parametros_json": map[string]any{"cuenta": "3010101", "contabilidad": map[string]any{"subcuenta": map[string]any{"codigo": "SUB001"}}},
	}))

	_, err := s.UpsertTenantRule(ctx, types.TenantRule{TenantID: "acme", Rule: rule("PROD_BANDEJAS", 40, types.ScopeLine, `{
		"conditions": [{"field": "descripcion", "operator": "CONTAINS", "value": "bandeja"}],
		"actions": [{"operation": "SET", "field": "codigoProducto", "value": "BANDE"}]}`)})
	require.NoError(t, err)
	_, err = s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("CTA_PRODUCTO", 45, types.ScopeLine, `{
		"conditions": [{"field": "codigoProducto", "operator": "IS_NOT_EMPTY"}],
		"actions": [{"operation": "LOOKUP", "field": "cuentaContable", "table": "productos",
			"queryField": "codigo", "queryValue": "{codigoProducto}", "resultField": "cuenta_contable"}]}`)})
	require.NoError(t, err)
	_, err = s.UpsertGlobalRule(ctx, types.GlobalRule{Rule: rule("SUBCUENTA", 50, types.ScopeLine, `{
		"actions": [{"operation": "LOOKUP_JSON", "field": "subcuenta", "typeField": "CUENTA_CONTABLE",
			"jsonField": "parametros_json.cuenta", "queryValue": "{cuentaContable}",
			"resultField": "parametros_json.contabilidad.subcuenta.codigo", "defaultValue": "SIN_SUBCUENTA"}]}`)})
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "CTA_PRODUCTO"}))
	require.NoError(t, s.Activate(ctx, types.ActivationLink{TenantID: "acme", RuleCode: "SUBCUENTA"}))

	engine := rules.NewEngine(s, s, rules.WithLogger(slog.New(slog.DiscardHandler)))
	res, err := engine.Evaluate(ctx, "acme", types.ScopeLine, types.Record{"descripcion": "Bandejas Celusal 24x250"})
	require.NoError(t, err)

	assert.Equal(t, "BANDE", res.Record["codigoProducto"])
	assert.Equal(t, "3010101", res.Record["cuentaContable"])
	assert.Equal(t, "SUB001", res.Record["subcuenta"])
	assert.Zero(t, res.Aborted())

	// Another tenant without links sees none of the global rules.
	other, err := engine.Evaluate(ctx, "globex", types.ScopeLine, types.Record{"descripcion": "Bandejas"})
	require.NoError(t, err)
	assert.Empty(t, other.Audit)
	assert.False(t, other.Changed())
}
