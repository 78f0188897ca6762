// internal/types/rules.go
package types

import "encoding/json"

/*
 * Domain types for rule definition and resolution.
 *
 * Ownership is modelled with two distinct types instead of one row with a
 * nullable tenant and an is_global flag: a GlobalRule has no tenant field to
 * get wrong, a TenantRule always has one. Stores return both collections side
 * by side in a RuleSet and the resolution layer merges them with the tenant's
 * ActivationLinks.
 *
 * Configuration stays as raw JSON on the Rule. It is validated and decoded by
 * internal/rules at compile time so a malformed document disables exactly one
 * rule instead of failing the whole load.
 *
 * Key types:
 *   - Rule / TenantRule / GlobalRule: stored rule definitions
 *   - ActivationLink: tenant opt-in to a global rule, with overrides
 *   - Configuration / Condition / ActionSpec: decoded rule configuration
 *   - PathSegment: one component of a field path (key or index)
 */

// RuleKind classifies a rule for administrators; evaluation ignores it.
type RuleKind string

const (
	KindValidation     RuleKind = "VALIDATION"
	KindTransformation RuleKind = "TRANSFORMATION"
	KindImportMapping  RuleKind = "IMPORT_MAPPING"
)

// Rule holds the fields shared by tenant and global rules.
type Rule struct {
	Code          string          // unique identity
	Name          string          // human-readable name, tie-break for equal priority
	Kind          RuleKind        // classification
	Priority      int             // lower runs first, positive
	Active        bool            // inactive rules are never evaluated
	Scope         Scope           // record type the rule applies to
	Configuration json.RawMessage // conditions/actions document
	Version       int             // incremented on every edit
}

// TenantRule is a rule private to one tenant.
type TenantRule struct {
	Rule
	TenantID TenantID
}

// GlobalRule is a rule shared across tenants, effective only where a tenant
// has an ActivationLink to it.
type GlobalRule struct {
	Rule
}

// RuleSet is what a RuleStore returns for (tenant, scope): the tenant's own
// rules and every global rule for the scope, unfiltered by activation.
type RuleSet struct {
	Tenant []TenantRule
	Global []GlobalRule
}

// ActivationLink marks a global rule as in effect for a tenant. Its presence
// is the activation; deleting it deactivates.
type ActivationLink struct {
	TenantID              TenantID
	RuleCode              string
	PriorityOverride      *int            // replaces GlobalRule.Priority when set
	ConfigurationOverride json.RawMessage // replaces GlobalRule.Configuration when non-empty
}

// LogicOperator combines the primary condition group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Configuration is the decoded rule document.
type Configuration struct {
	Conditions           []Condition           `json:"conditions"`
	LogicOperator        LogicOperator         `json:"logicOperator,omitempty"`
	OrConditions         []Condition           `json:"orConditions,omitempty"`
	FieldTransformations []FieldTransformation `json:"fieldTransformations,omitempty"`
	Actions              []ActionSpec          `json:"actions"`
	StopOnMatch          bool                  `json:"stopOnMatch,omitempty"`
}

// Condition is a single {field, operator, value} test.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// FieldTransformation normalizes one field before conditions run.
type FieldTransformation struct {
	Field          string `json:"field"`
	Transformation string `json:"transformation"`
}

// ChainHop is one step of a LOOKUP_CHAIN.
type ChainHop struct {
	Table       string `json:"table"`
	QueryField  string `json:"queryField"`
	ResultField string `json:"resultField"`
}

// ActionSpec is the stored, operation-tagged shape of an action. Only the
// attributes relevant to Operation are read; compilation turns it into a
// typed action.
type ActionSpec struct {
	Operation string `json:"operation"`
	Field     string `json:"field,omitempty"`

	// SET
	Value any `json:"value,omitempty"`

	// LOOKUP, LOOKUP_JSON, VALIDATE_AGAINST_LIST
	Table       string `json:"table,omitempty"`
	TypeField   string `json:"typeField,omitempty"`
	QueryField  string `json:"queryField,omitempty"`
	QueryValue  string `json:"queryValue,omitempty"`
	JSONField   string `json:"jsonField,omitempty"`
	ResultField string `json:"resultField,omitempty"`

	// Raw so that an explicit null default is distinguishable from no default.
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`

	// LOOKUP_CHAIN
	ValueQuery string     `json:"valueQuery,omitempty"`
	Chain      []ChainHop `json:"chain,omitempty"`

	// EXTRACT_REGEX
	SourceField  string          `json:"sourceField,omitempty"`
	Pattern      string          `json:"pattern,omitempty"`
	CaptureGroup json.RawMessage `json:"captureGroup,omitempty"`

	// CALCULATE
	Formula  string `json:"formula,omitempty"`
	Decimals *int   `json:"decimals,omitempty"`

	// VALIDATE_AGAINST_LIST
	Values    json.RawMessage `json:"values,omitempty"`
	Expect    string          `json:"expect,omitempty"`
	SwapField string          `json:"swapField,omitempty"`
	FlagField string          `json:"flagField,omitempty"`
}

// PathSegment represents one component of a field path.
// Key for object keys, Index for array indices.
type PathSegment struct {
	Key     string // object key (mutually exclusive with Index)
	Index   int    // array index (mutually exclusive with Key)
	IsIndex bool   // disambiguates Index=0 from unset
}
