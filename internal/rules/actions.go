// internal/rules/actions.go
package rules

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Action sum type and executor.
 *
 * Action is a sealed interface: the unexported isAction method means only
 * this package can add variants, and apply switches over the concrete types.
 * compileAction is the single place where the stored operation tag is read.
 *
 * Failure policy per action:
 *   - lookup miss: assign defaultValue when one is configured, else no-op
 *   - lookup failure: return *LookupError, the pipeline aborts the rule
 *   - path write failure, formula failure: warn and no-op this action only
 *
 * Actions apply left to right on the working record with no rollback, so a
 * rule aborted at action 3 keeps the effects of actions 1 and 2.
 */

// Operation is the stored tag of an action.
type Operation string

const (
	OperationSet          Operation = "SET"
	OperationLookup       Operation = "LOOKUP"
	OperationLookupJSON   Operation = "LOOKUP_JSON"
	OperationLookupChain  Operation = "LOOKUP_CHAIN"
	OperationExtractRegex Operation = "EXTRACT_REGEX"
	OperationCalculate    Operation = "CALCULATE"
	OperationValidateList Operation = "VALIDATE_AGAINST_LIST"
)

// Action is one compiled, executable action.
type Action interface {
	Operation() Operation
	// Target returns the field path the action writes.
	Target() string
	isAction()
}

// target is the field an action writes.
type target struct {
	Field string
	Path  []types.PathSegment
}

func (t target) Target() string { return t.Field }
func (target) isAction()        {}

// optionalValue distinguishes "defaultValue: null" from no default at all.
type optionalValue struct {
	Value any
	Set   bool
}

// SetAction assigns a literal.
type SetAction struct {
	target
	Value any
}

// LookupAction reads one row by a plain column.
type LookupAction struct {
	target
	Table      string
	QueryField string
	Query      *Template
	Result     []types.PathSegment
	Default    optionalValue
}

// LookupJSONAction matches on a path inside a JSON column. With TypeValue set
// the row must also carry that value in the configured type column, and an
// empty Table means the parameters table.
type LookupJSONAction struct {
	target
	Table      string
	TypeValue  string
	JSONColumn string
	JSONPath   []types.PathSegment
	Query      *Template
	Result     []types.PathSegment
	Default    optionalValue
}

// ChainStep is one compiled hop of a LookupChainAction.
type ChainStep struct {
	Table      string
	QueryField string
	Result     []types.PathSegment
}

// LookupChainAction walks hops sequentially.
type LookupChainAction struct {
	target
	Query   *Template
	Hops    []ChainStep
	Default optionalValue
}

// ExtractRegexAction assigns a capture group of a regex match. Group is -1
// when the configured group does not exist in the pattern.
type ExtractRegexAction struct {
	target
	Source  []types.PathSegment
	Regex   *regexp.Regexp
	Group   int
	Default optionalValue
}

// CalculateAction evaluates an arithmetic formula.
type CalculateAction struct {
	target
	Formula  *Formula
	Decimals *int
}

// ValidateListAction checks the target field against a reference list and
// repairs the record when the expectation does not hold.
type ValidateListAction struct {
	target
	Table      string
	QueryField string
	Values     []string
	ExpectIn   bool
	Swap       *target
	Flag       *target
}

func (*SetAction) Operation() Operation          { return OperationSet }
func (*LookupAction) Operation() Operation       { return OperationLookup }
func (*LookupJSONAction) Operation() Operation   { return OperationLookupJSON }
func (*LookupChainAction) Operation() Operation  { return OperationLookupChain }
func (*ExtractRegexAction) Operation() Operation { return OperationExtractRegex }
func (*CalculateAction) Operation() Operation    { return OperationCalculate }
func (*ValidateListAction) Operation() Operation { return OperationValidateList }

// ruleTrace collects the effects of one rule for its audit entry.
type ruleTrace struct {
	changed  []string
	warnings []string
}

func (t *ruleTrace) change(field string) {
	for _, f := range t.changed {
		if f == field {
			return
		}
	}
	t.changed = append(t.changed, field)
}

func (t *ruleTrace) warn(format string, args ...any) {
	t.warnings = append(t.warnings, fmt.Sprintf(format, args...))
}

// write assigns value at tgt, converting a path failure into a warning.
func (t *ruleTrace) write(record types.Record, op Operation, tgt target, value any) {
	if err := Assign(record, tgt.Path, types.CloneValue(value)); err != nil {
		t.warn("%s %s: %v", op, tgt.Field, err)
		return
	}
	t.change(tgt.Field)
}

// executor applies actions with the engine's lookup settings.
type executor struct {
	lookups         lookupResolver
	parametersTable string
	typeColumn      string
}

// apply runs one action against record. Only lookup failures (LookupError)
// and rejected lookup tables (ConfigError) are returned.
func (x *executor) apply(ctx context.Context, record types.Record, action Action, t *ruleTrace) error {
	switch a := action.(type) {
	case *SetAction:
		t.write(record, OperationSet, a.target, a.Value)
		return nil

	case *LookupAction:
		key, ok := a.Query.Render(record)
		if !ok {
			x.miss(record, a.Operation(), a.target, a.Default, t)
			return nil
		}
		res, err := x.lookups.Direct(ctx, a.Table, a.QueryField, key, a.Result)
		if err != nil {
			return err
		}
		x.settle(record, a.Operation(), a.target, res, a.Default, t)
		return nil

	case *LookupJSONAction:
		key, ok := a.Query.Render(record)
		if !ok {
			x.miss(record, a.Operation(), a.target, a.Default, t)
			return nil
		}
		table := a.Table
		var filters []ColumnFilter
		if a.TypeValue != "" {
			if table == "" {
				table = x.parametersTable
			}
			filters = append(filters, ColumnFilter{Column: x.typeColumn, Value: a.TypeValue})
		}
		res, err := x.lookups.JSON(ctx, table, a.JSONColumn, a.JSONPath, key, filters, a.Result)
		if err != nil {
			return err
		}
		x.settle(record, a.Operation(), a.target, res, a.Default, t)
		return nil

	case *LookupChainAction:
		key, ok := a.Query.Render(record)
		if !ok {
			x.miss(record, a.Operation(), a.target, a.Default, t)
			return nil
		}
		res, err := x.lookups.Chain(ctx, key, a.Hops)
		if err != nil {
			return err
		}
		x.settle(record, a.Operation(), a.target, res, a.Default, t)
		return nil

	case *ExtractRegexAction:
		x.settle(record, a.Operation(), a.target, extractRegex(a, record), a.Default, t)
		return nil

	case *CalculateAction:
		n, err := a.Formula.Eval(record)
		if err != nil {
			t.warn("%s %s: %v", OperationCalculate, a.Field, err)
			return nil
		}
		if a.Decimals != nil {
			n = roundTo(n, *a.Decimals)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			t.warn("%s %s: result is not finite", OperationCalculate, a.Field)
			return nil
		}
		t.write(record, OperationCalculate, a.target, n)
		return nil

	case *ValidateListAction:
		return x.validateList(ctx, record, a, t)

	default:
		t.warn("unsupported action %T", action)
		return nil
	}
}

// settle assigns a found lookup value or falls back to the default. A row
// whose result is NULL counts as a miss, as it does for a chain hop.
func (x *executor) settle(record types.Record, op Operation, tgt target, res LookupResult, def optionalValue, t *ruleTrace) {
	if res.Found && res.Value != nil {
		t.write(record, op, tgt, res.Value)
		return
	}
	x.miss(record, op, tgt, def, t)
}

// miss applies defaultValue; without one the action does nothing.
func (x *executor) miss(record types.Record, op Operation, tgt target, def optionalValue, t *ruleTrace) {
	if !def.Set {
		return
	}
	t.write(record, op, tgt, def.Value)
}

// extractRegex runs the pattern over the source field text.
func extractRegex(a *ExtractRegexAction, record types.Record) LookupResult {
	if a.Group < 0 {
		return LookupResult{}
	}
	raw, found := Lookup(record, a.Source)
	if !found || raw == nil {
		return LookupResult{}
	}
	text := ToText(raw)
	loc := a.Regex.FindStringSubmatchIndex(text)
	if loc == nil || 2*a.Group+1 >= len(loc) || loc[2*a.Group] < 0 {
		return LookupResult{}
	}
	return LookupResult{Value: text[loc[2*a.Group]:loc[2*a.Group+1]], Found: true}
}

// validateList checks membership and swaps or flags when the expectation
// fails. An empty field is not validated.
func (x *executor) validateList(ctx context.Context, record types.Record, a *ValidateListAction, t *ruleTrace) error {
	raw, found := Lookup(record, a.Path)
	if !found || isEmptyValue(raw) {
		return nil
	}
	text := ToText(raw)

	inList := compareIn(text, a.Values)
	if !inList && a.Table != "" {
		_, ok, err := x.lookups.find(ctx, a.Table, Predicate{Column: a.QueryField, Value: text})
		if err != nil {
			return err
		}
		inList = ok
	}

	valid := inList == a.ExpectIn
	if !valid && a.Swap != nil {
		other, _ := Lookup(record, a.Swap.Path)
		t.write(record, OperationValidateList, a.target, other)
		t.write(record, OperationValidateList, *a.Swap, raw)
	}
	if a.Flag != nil {
		t.write(record, OperationValidateList, *a.Flag, valid)
	}
	return nil
}
