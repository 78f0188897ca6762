package types

import "errors"

// Sentinel errors for fieldkeeper operations.
var (
	// ErrInvalidScope indicates an unknown scope name or ALL used as a record scope.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrMissingTenant indicates an evaluation or resolution call without a tenant id.
	ErrMissingTenant = errors.New("tenant id required")

	// ErrPathSyntax indicates a malformed field path.
	ErrPathSyntax = errors.New("malformed field path")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrPathWrite indicates a write could not be applied (indexing a non-array,
	// index out of range, or descending into a scalar).
	ErrPathWrite = errors.New("path write failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrInvalidOperator indicates an unknown condition operator.
	ErrInvalidOperator = errors.New("unknown condition operator")

	// ErrInvalidLogicOperator indicates a logicOperator other than AND/OR.
	ErrInvalidLogicOperator = errors.New("unknown logic operator")

	// ErrInvalidOperation indicates an unknown action operation tag.
	ErrInvalidOperation = errors.New("unknown action operation")

	// ErrInvalidTransformation indicates an unknown field transformation name.
	ErrInvalidTransformation = errors.New("unknown field transformation")

	// ErrInvalidPattern indicates a regex that does not compile.
	ErrInvalidPattern = errors.New("invalid regular expression")

	// ErrEmptyChain indicates a LOOKUP_CHAIN without hops.
	ErrEmptyChain = errors.New("lookup chain requires at least one hop")

	// ErrChainTooLong indicates a LOOKUP_CHAIN exceeding MaxChainHops.
	ErrChainTooLong = errors.New("lookup chain has too many hops")

	// ErrTooManyInValues indicates an IN list exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("IN operator has too many values")

	// ErrTooManyActions indicates a rule exceeds MaxActionsPerRule.
	ErrTooManyActions = errors.New("rule has too many actions")

	// ErrMissingAttribute indicates an action or condition lacks a required attribute.
	ErrMissingAttribute = errors.New("missing required attribute")

	// ErrInvalidFormula indicates a CALCULATE formula that does not compile.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrInvalidConfiguration indicates configuration JSON rejected by the schema.
	ErrInvalidConfiguration = errors.New("invalid rule configuration")

	// ErrInvalidIdentifier indicates a table or column name unsafe for SQL.
	ErrInvalidIdentifier = errors.New("invalid table or column identifier")

	// ErrTableNotAllowed indicates a lookup against a table outside the allowlist.
	ErrTableNotAllowed = errors.New("lookup table not allowed")

	// ErrOwnership indicates a rule violating the global/tenant ownership invariant.
	ErrOwnership = errors.New("global rules cannot have a tenant and tenant rules require one")

	// ErrRuleNotFound indicates an activation for an unknown or non-global rule.
	ErrRuleNotFound = errors.New("rule not found")
)
