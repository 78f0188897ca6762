// internal/rules/operators.go
package rules

import (
	"strings"
)

/*
 * Operator comparison logic.
 *
 * Nine operators, exhaustive and case-sensitive by name:
 *   - IS_NULL/IS_NOT_NULL: missing or JSON null (cost 1)
 *   - IS_EMPTY/IS_NOT_EMPTY: null, blank string or empty collection (cost 2)
 *   - EQUALS/NOT_EQUALS: numeric when both sides are numbers, else text (cost 5)
 *   - IN: text membership in a pre-split list (cost 8)
 *   - CONTAINS: case-folded substring (cost 10)
 *   - REGEX: case-insensitive pattern test, compiled once (cost 20)
 *
 * A missing field reaches Compare as nil: nullness operators see nil, string
 * operators see "". Comparison targets are prepared by compileCondition so
 * nothing here parses lists or patterns per record.
 */

// Operator names a condition operator.
type Operator string

const (
	OpEquals     Operator = "EQUALS"
	OpNotEquals  Operator = "NOT_EQUALS"
	OpIn         Operator = "IN"
	OpContains   Operator = "CONTAINS"
	OpRegex      Operator = "REGEX"
	OpIsNull     Operator = "IS_NULL"
	OpIsNotNull  Operator = "IS_NOT_NULL"
	OpIsEmpty    Operator = "IS_EMPTY"
	OpIsNotEmpty Operator = "IS_NOT_EMPTY"
)

// Compare applies the condition's operator to the resolved field value.
func Compare(cond *CompiledCondition, value any) bool {
	switch cond.Operator {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	case OpIsEmpty:
		return isEmptyValue(value)
	case OpIsNotEmpty:
		return !isEmptyValue(value)
	case OpEquals:
		return compareEqual(value, cond.Value)
	case OpNotEquals:
		return !compareEqual(value, cond.Value)
	case OpIn:
		return compareIn(value, cond.Values)
	case OpContains:
		return compareContains(value, cond.folded)
	case OpRegex:
		return cond.regex != nil && cond.regex.MatchString(ToText(value))
	default:
		return false
	}
}

// compareEqual compares numerically only when both sides are native numbers,
// so identifiers like "00120" and "120" stay distinct until a
// REMOVE_LEADING_ZEROS transformation says otherwise.
func compareEqual(a, b any) bool {
	if isNativeNumber(a) && isNativeNumber(b) {
		na, _ := ToNumber(a)
		nb, _ := ToNumber(b)
		return na == nb
	}
	return ToText(a) == ToText(b)
}

// compareIn checks text membership in a pre-split list.
func compareIn(value any, set []string) bool {
	s := ToText(value)
	for _, elem := range set {
		if s == elem {
			return true
		}
	}
	return false
}

// compareContains checks a case-folded substring; the needle is folded once
// at compile time.
func compareContains(value any, foldedNeedle string) bool {
	return strings.Contains(foldCase(ToText(value)), foldedNeedle)
}

// splitList splits an IN value: comma-delimited string or JSON array.
// Elements are trimmed; empty elements are dropped.
func splitList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		for _, e := range v {
			raw = append(raw, ToText(e))
		}
	case []string:
		raw = v
	default:
		sep := ","
		s := ToText(v)
		if !strings.Contains(s, ",") && strings.Contains(s, ";") {
			sep = ";"
		}
		raw = strings.Split(s, sep)
	}

	out := make([]string, 0, len(raw))
	for _, e := range raw {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
