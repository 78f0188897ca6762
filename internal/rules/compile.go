// internal/rules/compile.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Rule compilation and validation.
 *
 * Compiles an EffectiveRule (overrides already applied) into a CompiledRule:
 * paths parsed, operators and operations checked, regexes, templates and
 * formulas compiled, actions turned into the closed Action sum type.
 *
 * Compilation workflow:
 *   1. Decode configuration JSON (strict: unknown top-level fields rejected)
 *   2. Compile field transformations
 *   3. Compile both condition groups, then stable-sort each by cost
 *   4. Compile actions in declaration order (order is significant)
 *
 * Any failure returns a *ConfigError naming the rule. The pipeline records
 * the rule as skipped and moves on; nothing here is fatal to a record.
 *
 * Ordering: conditions are pure, so reordering within a group never
 * changes the outcome, and equal-cost conditions keep their authored order.
 * Actions are never reordered.
 */

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Field    string
	Path     []types.PathSegment
	Operator Operator
	Value    any      // EQUALS/NOT_EQUALS target
	Values   []string // IN members
	folded   string   // CONTAINS needle, case-folded
	regex    *regexp.Regexp
	Cost     int
}

// CompiledTransformation normalizes one field before conditions run.
type CompiledTransformation struct {
	Field          string
	Path           []types.PathSegment
	Transformation Transformation
}

// CompiledRule is fully pre-processed and ready for evaluation.
type CompiledRule struct {
	Code            string
	Name            string
	Priority        int
	Origin          Origin
	Version         int
	Transformations []CompiledTransformation
	Logic           types.LogicOperator
	Conditions      []CompiledCondition // ordered by ascending cost
	OrConditions    []CompiledCondition // ordered by ascending cost
	Actions         []Action            // declaration order
	StopOnMatch     bool
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to use as a table or column.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// DecodeConfiguration parses a configuration document, rejecting unknown
// top-level fields so that typos ("stopOnMach") surface as config errors.
func DecodeConfiguration(raw json.RawMessage) (types.Configuration, error) {
	var cfg types.Configuration
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, fmt.Errorf("%w: empty configuration", types.ErrInvalidConfiguration)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", types.ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// Compile validates and pre-processes a rule for evaluation.
func Compile(rule EffectiveRule) (*CompiledRule, error) {
	cfg, err := DecodeConfiguration(rule.Configuration)
	if err != nil {
		return nil, &ConfigError{RuleCode: rule.Code, Err: err}
	}
	compiled, err := CompileConfiguration(cfg)
	if err != nil {
		return nil, &ConfigError{RuleCode: rule.Code, Err: err}
	}
	compiled.Code = rule.Code
	compiled.Name = rule.Name
	compiled.Priority = rule.Priority
	compiled.Origin = rule.Origin
	compiled.Version = rule.Version
	return compiled, nil
}

// Tables lists the tables the rule's actions read, in first-use order. A
// LOOKUP_JSON keyed only by typeField reads the engine's parameters table and
// is not listed.
func (r *CompiledRule) Tables() []string {
	var out []string
	seen := map[string]bool{}
	add := func(table string) {
		if table != "" && !seen[table] {
			seen[table] = true
			out = append(out, table)
		}
	}
	for _, action := range r.Actions {
		switch a := action.(type) {
		case *LookupAction:
			add(a.Table)
		case *LookupJSONAction:
			add(a.Table)
		case *LookupChainAction:
			for _, hop := range a.Hops {
				add(hop.Table)
			}
		case *ValidateListAction:
			add(a.Table)
		}
	}
	return out
}

// CompileConfiguration compiles a decoded configuration without rule metadata.
func CompileConfiguration(cfg types.Configuration) (*CompiledRule, error) {
	compiled := &CompiledRule{StopOnMatch: cfg.StopOnMatch}

	switch cfg.LogicOperator {
	case "", types.LogicAnd:
		compiled.Logic = types.LogicAnd
	case types.LogicOr:
		compiled.Logic = types.LogicOr
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidLogicOperator, cfg.LogicOperator)
	}

	for i, ft := range cfg.FieldTransformations {
		ct, err := compileTransformation(ft)
		if err != nil {
			return nil, fmt.Errorf("fieldTransformations[%d]: %w", i, err)
		}
		compiled.Transformations = append(compiled.Transformations, ct)
	}

	var err error
	if compiled.Conditions, err = compileGroup("conditions", cfg.Conditions); err != nil {
		return nil, err
	}
	if compiled.OrConditions, err = compileGroup("orConditions", cfg.OrConditions); err != nil {
		return nil, err
	}

	if len(cfg.Actions) > types.MaxActionsPerRule {
		return nil, types.ErrTooManyActions
	}
	for i, spec := range cfg.Actions {
		action, err := compileAction(spec)
		if err != nil {
			return nil, fmt.Errorf("actions[%d] %s: %w", i, spec.Operation, err)
		}
		compiled.Actions = append(compiled.Actions, action)
	}

	return compiled, nil
}

// compileGroup compiles a condition list and orders it by ascending cost.
func compileGroup(name string, conds []types.Condition) ([]CompiledCondition, error) {
	out := make([]CompiledCondition, 0, len(conds))
	for i, cond := range conds {
		cc, err := compileCondition(cond)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		out = append(out, cc)
	}
	// Stable sort: equal-cost conditions maintain authored order
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Cost < out[j].Cost
	})
	return out, nil
}

// compileCondition validates a single condition and prepares its target.
func compileCondition(cond types.Condition) (CompiledCondition, error) {
	path, err := ParsePath(cond.Field)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("field %q: %w", cond.Field, err)
	}

	cc := CompiledCondition{
		Field:    cond.Field,
		Path:     path,
		Operator: Operator(cond.Operator),
		Value:    cond.Value,
	}

	switch cc.Operator {
	case OpEquals, OpNotEquals, OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty:
	case OpIn:
		cc.Values = splitList(cond.Value)
		if len(cc.Values) > types.MaxInOperatorValues {
			return CompiledCondition{}, types.ErrTooManyInValues
		}
	case OpContains:
		cc.folded = foldCase(ToText(cond.Value))
	case OpRegex:
		re, err := regexp.Compile("(?i)" + ToText(cond.Value))
		if err != nil {
			return CompiledCondition{}, fmt.Errorf("%w: %v", types.ErrInvalidPattern, err)
		}
		cc.regex = re
	default:
		return CompiledCondition{}, fmt.Errorf("%w: %q", types.ErrInvalidOperator, cond.Operator)
	}

	cc.Cost = CalculateConditionCost(path, cc.Operator)
	return cc, nil
}

func compileTransformation(ft types.FieldTransformation) (CompiledTransformation, error) {
	path, err := ParsePath(ft.Field)
	if err != nil {
		return CompiledTransformation{}, fmt.Errorf("field %q: %w", ft.Field, err)
	}
	name := Transformation(ft.Transformation)
	if !KnownTransformation(name) {
		return CompiledTransformation{}, fmt.Errorf("%w: %q", types.ErrInvalidTransformation, ft.Transformation)
	}
	return CompiledTransformation{Field: ft.Field, Path: path, Transformation: name}, nil
}

// compileAction dispatches on the operation tag. This is the only place a
// string tag is interpreted; everything downstream switches on Go types.
func compileAction(spec types.ActionSpec) (Action, error) {
	tgt, err := compileTarget(spec.Field)
	if err != nil {
		return nil, err
	}
	def, err := decodeDefault(spec.DefaultValue)
	if err != nil {
		return nil, err
	}

	switch Operation(spec.Operation) {
	case OperationSet:
		return &SetAction{target: tgt, Value: spec.Value}, nil

	case OperationLookup:
		if err := requireIdentifiers(spec.Table, spec.QueryField); err != nil {
			return nil, err
		}
		query, err := compileQueryTemplate(spec.QueryValue)
		if err != nil {
			return nil, err
		}
		result, err := compileResultPath(spec.ResultField)
		if err != nil {
			return nil, err
		}
		return &LookupAction{
			target:     tgt,
			Table:      spec.Table,
			QueryField: spec.QueryField,
			Query:      query,
			Result:     result,
			Default:    def,
		}, nil

	case OperationLookupJSON:
		return compileLookupJSON(spec, tgt, def)

	case OperationLookupChain:
		return compileLookupChain(spec, tgt, def)

	case OperationExtractRegex:
		return compileExtractRegex(spec, tgt, def)

	case OperationCalculate:
		if strings.TrimSpace(spec.Formula) == "" {
			return nil, fmt.Errorf("%w: formula", types.ErrMissingAttribute)
		}
		formula, err := CompileFormula(spec.Formula)
		if err != nil {
			return nil, err
		}
		if spec.Decimals != nil && (*spec.Decimals < 0 || *spec.Decimals > 10) {
			return nil, fmt.Errorf("%w: decimals must be between 0 and 10", types.ErrInvalidFormula)
		}
		return &CalculateAction{target: tgt, Formula: formula, Decimals: spec.Decimals}, nil

	case OperationValidateList:
		return compileValidateList(spec, tgt)

	default:
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidOperation, spec.Operation)
	}
}

func compileTarget(field string) (target, error) {
	path, err := ParsePath(field)
	if err != nil {
		return target{}, fmt.Errorf("field %q: %w", field, err)
	}
	return target{Field: field, Path: path}, nil
}

func compileQueryTemplate(s string) (*Template, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: queryValue", types.ErrMissingAttribute)
	}
	return ParseTemplate(s)
}

// compileResultPath parses resultField; empty means "the whole record".
// The first segment must name a column.
func compileResultPath(s string) ([]types.PathSegment, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	path, err := ParsePath(s)
	if err != nil {
		return nil, fmt.Errorf("resultField %q: %w", s, err)
	}
	if path[0].IsIndex || !ValidIdentifier(path[0].Key) {
		return nil, fmt.Errorf("resultField %q: %w", s, types.ErrInvalidIdentifier)
	}
	return path, nil
}

func requireIdentifiers(names ...string) error {
	for _, n := range names {
		if n == "" {
			return types.ErrMissingAttribute
		}
		if !ValidIdentifier(n) {
			return fmt.Errorf("%w: %q", types.ErrInvalidIdentifier, n)
		}
	}
	return nil
}

func decodeDefault(raw json.RawMessage) (optionalValue, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return optionalValue{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return optionalValue{}, fmt.Errorf("defaultValue: %w", err)
	}
	return optionalValue{Value: v, Set: true}, nil
}

func compileLookupJSON(spec types.ActionSpec, t target, def optionalValue) (Action, error) {
	a := &LookupJSONAction{target: t, Default: def, TypeValue: spec.TypeField, Table: spec.Table}
	if spec.Table == "" && spec.TypeField == "" {
		return nil, fmt.Errorf("%w: table or typeField", types.ErrMissingAttribute)
	}
	if spec.Table != "" {
		if err := requireIdentifiers(spec.Table); err != nil {
			return nil, err
		}
	}

	// jsonField is "<column>.<path inside column>"; a bare queryField is
	// accepted as the column when jsonField only names the inner path.
	jsonField := spec.JSONField
	if jsonField == "" {
		return nil, fmt.Errorf("%w: jsonField", types.ErrMissingAttribute)
	}
	path, err := ParsePath(jsonField)
	if err != nil {
		return nil, fmt.Errorf("jsonField %q: %w", jsonField, err)
	}
	if spec.QueryField != "" {
		if err := requireIdentifiers(spec.QueryField); err != nil {
			return nil, err
		}
		a.JSONColumn = spec.QueryField
		a.JSONPath = path
	} else {
		if path[0].IsIndex || !ValidIdentifier(path[0].Key) {
			return nil, fmt.Errorf("jsonField %q: %w", jsonField, types.ErrInvalidIdentifier)
		}
		a.JSONColumn = path[0].Key
		a.JSONPath = path[1:]
	}

	if a.Query, err = compileQueryTemplate(spec.QueryValue); err != nil {
		return nil, err
	}
	if a.Result, err = compileResultPath(spec.ResultField); err != nil {
		return nil, err
	}
	return a, nil
}

func compileLookupChain(spec types.ActionSpec, t target, def optionalValue) (Action, error) {
	if len(spec.Chain) == 0 {
		return nil, types.ErrEmptyChain
	}
	if len(spec.Chain) > types.MaxChainHops {
		return nil, types.ErrChainTooLong
	}
	source := spec.ValueQuery
	if source == "" {
		source = spec.QueryValue
	}
	query, err := compileQueryTemplate(source)
	if err != nil {
		return nil, err
	}

	a := &LookupChainAction{target: t, Query: query, Default: def}
	for i, hop := range spec.Chain {
		if err := requireIdentifiers(hop.Table, hop.QueryField); err != nil {
			return nil, fmt.Errorf("chain[%d]: %w", i, err)
		}
		if hop.ResultField == "" {
			return nil, fmt.Errorf("chain[%d]: %w: resultField", i, types.ErrMissingAttribute)
		}
		result, err := compileResultPath(hop.ResultField)
		if err != nil {
			return nil, fmt.Errorf("chain[%d]: %w", i, err)
		}
		a.Hops = append(a.Hops, ChainStep{Table: hop.Table, QueryField: hop.QueryField, Result: result})
	}
	return a, nil
}

func compileExtractRegex(spec types.ActionSpec, t target, def optionalValue) (Action, error) {
	source, err := ParsePath(spec.SourceField)
	if err != nil {
		return nil, fmt.Errorf("sourceField %q: %w", spec.SourceField, err)
	}
	if spec.Pattern == "" {
		return nil, fmt.Errorf("%w: pattern", types.ErrMissingAttribute)
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidPattern, err)
	}

	// Default group: first capture group when the pattern has one, else the
	// whole match. A group that does not exist is kept as -1 so the action
	// yields its defaultValue instead of failing compilation.
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	if raw := bytes.TrimSpace(spec.CaptureGroup); len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("captureGroup: %w", err)
		}
		group = resolveGroup(re, v)
	}

	return &ExtractRegexAction{target: t, Source: source, Regex: re, Group: group, Default: def}, nil
}

// resolveGroup maps a captureGroup attribute (index or name) to a submatch index.
func resolveGroup(re *regexp.Regexp, v any) int {
	var idx int
	switch g := v.(type) {
	case float64:
		idx = int(g)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(g)); err == nil {
			idx = n
		} else {
			idx = re.SubexpIndex(g)
		}
	default:
		return -1
	}
	if idx < 0 || idx > re.NumSubexp() {
		return -1
	}
	return idx
}

func compileValidateList(spec types.ActionSpec, t target) (Action, error) {
	a := &ValidateListAction{target: t}

	switch strings.ToUpper(spec.Expect) {
	case "", "NOT_IN_LIST":
		a.ExpectIn = false
	case "IN_LIST":
		a.ExpectIn = true
	default:
		return nil, fmt.Errorf("%w: expect %q", types.ErrInvalidConfiguration, spec.Expect)
	}

	if raw := bytes.TrimSpace(spec.Values); len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		a.Values = splitList(v)
	}
	if spec.Table != "" {
		if err := requireIdentifiers(spec.Table, spec.QueryField); err != nil {
			return nil, err
		}
		a.Table = spec.Table
		a.QueryField = spec.QueryField
	}
	if a.Table == "" && len(a.Values) == 0 {
		return nil, fmt.Errorf("%w: table or values", types.ErrMissingAttribute)
	}

	if spec.SwapField != "" {
		swap, err := ParsePath(spec.SwapField)
		if err != nil {
			return nil, fmt.Errorf("swapField %q: %w", spec.SwapField, err)
		}
		a.Swap = &target{Field: spec.SwapField, Path: swap}
	}
	if spec.FlagField != "" {
		flag, err := ParsePath(spec.FlagField)
		if err != nil {
			return nil, fmt.Errorf("flagField %q: %w", spec.FlagField, err)
		}
		a.Flag = &target{Field: spec.FlagField, Path: flag}
	}
	if a.Swap == nil && a.Flag == nil {
		return nil, fmt.Errorf("%w: swapField or flagField", types.ErrMissingAttribute)
	}
	return a, nil
}
