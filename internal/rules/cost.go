// internal/rules/cost.go
package rules

import "github.com/ledgerline/fieldkeeper/internal/types"

/*
 * Cost model for condition evaluation.
 *
 * Cost formula: lookup_cost + operator_cost
 *
 * Cheaper conditions run first inside a group so AND short-circuits on a
 * nullness check before a regex ever runs. Path depth dominates because each
 * segment may decode nested JSON text on the way down.
 *
 * Ordering never changes a group's truth value: conditions are pure reads of
 * the (already transformed) record.
 */

const (
	// Operator base costs
	CostIsNull   = 1
	CostIsEmpty  = 2
	CostEquals   = 5
	CostIn       = 8
	CostContains = 10
	CostRegex    = 20

	// Field lookup cost per path segment
	CostLookupPerSegment = 32
)

// CalculateConditionCost computes cost for a single condition.
func CalculateConditionCost(path []types.PathSegment, op Operator) int {
	return len(path)*CostLookupPerSegment + operatorCost(op)
}

// operatorCost returns base cost for operator execution.
func operatorCost(op Operator) int {
	switch op {
	case OpIsNull, OpIsNotNull:
		return CostIsNull
	case OpIsEmpty, OpIsNotEmpty:
		return CostIsEmpty
	case OpEquals, OpNotEquals:
		return CostEquals
	case OpIn:
		return CostIn
	case OpContains:
		return CostContains
	case OpRegex:
		return CostRegex
	default:
		return CostEquals
	}
}
