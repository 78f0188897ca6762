// internal/rules/evaluate.go
package rules

import (
	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Condition evaluation.
 *
 * A rule matches when:
 *
 *   group(conditions, logicOperator) AND (orConditions empty OR group(orConditions, OR))
 *
 * Short-circuit semantics: an AND group stops at the first false condition,
 * an OR group at the first true one. Cost ordering from compilation puts the
 * cheap checks first.
 *
 * Empty groups: an empty primary group is true (a rule with only actions
 * always fires); an empty orConditions group is ignored.
 *
 * Missing fields are not errors here. Compare receives nil and each operator
 * decides what nil means.
 */

// ApplyTransformations normalizes the configured fields in place. Missing
// fields are left missing. A value whose path cannot be written back is
// reported in the returned warnings.
func ApplyTransformations(rule *CompiledRule, record types.Record) (changed []string, warnings []string) {
	for _, t := range rule.Transformations {
		current, found := Lookup(record, t.Path)
		if !found || current == nil {
			continue
		}
		next := Normalize(t.Transformation, current)
		if sameValue(current, next) {
			continue
		}
		if err := Assign(record, t.Path, next); err != nil {
			warnings = append(warnings, "transform "+t.Field+": "+err.Error())
			continue
		}
		changed = append(changed, t.Field)
	}
	return changed, warnings
}

// EvaluateConditions reports whether the record satisfies the rule's
// condition groups.
func EvaluateConditions(rule *CompiledRule, record types.Record) bool {
	if !evaluateGroup(rule.Conditions, rule.Logic, record) {
		return false
	}
	if len(rule.OrConditions) == 0 {
		return true
	}
	return evaluateGroup(rule.OrConditions, types.LogicOr, record)
}

// evaluateGroup combines a cost-ordered condition list with logic.
func evaluateGroup(conds []CompiledCondition, logic types.LogicOperator, record types.Record) bool {
	if len(conds) == 0 {
		return true
	}
	if logic == types.LogicOr {
		for i := range conds {
			if evaluateCondition(&conds[i], record) {
				return true
			}
		}
		return false
	}
	for i := range conds {
		if !evaluateCondition(&conds[i], record) {
			return false
		}
	}
	return true
}

// evaluateCondition resolves the field and applies the operator.
func evaluateCondition(cond *CompiledCondition, record types.Record) bool {
	value, _ := Lookup(record, cond.Path)
	return Compare(cond, value)
}

// sameValue compares two scalar results of a transformation. Anything that
// is not a plain scalar counts as changed.
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}
