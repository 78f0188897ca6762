// Package types provides domain models shared across fieldkeeper components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the
// standard library so that callers embedding the engine (the document
// import pipeline) do not pull in storage or transport deps. ID utilities in
// ids.go import uuid but are isolated.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TenantID identifies the tenant a rule belongs to or an evaluation runs for.
// Always passed explicitly; there is no ambient "current tenant".
type TenantID string

// Record is one semi-structured input: a document header, a line item or a
// tax line. Values follow encoding/json decoding conventions (map[string]any,
// []any, float64, string, bool, nil).
type Record map[string]any

// Clone returns a deep copy so evaluation never mutates the caller's record.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	return CloneValue(map[string]any(r)).(map[string]any)
}

// CloneValue deep-copies decoded JSON containers; scalars are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case Record:
		return Record(CloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DecodeRecord parses a JSON object into a Record using json.Number-free
// decoding, so numbers arrive as float64 like every other path in the engine.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r == nil {
		r = Record{}
	}
	return r, nil
}

// Scope selects the record type a rule applies to.
type Scope string

const (
	ScopeHeader Scope = "HEADER"
	ScopeLine   Scope = "LINE"
	ScopeTax    Scope = "TAX"
	ScopeAll    Scope = "ALL"
)

// ParseScope accepts the canonical names case-insensitively plus the
// document-level aliases used by the import pipeline.
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HEADER", "DOCUMENTO", "DOCUMENT":
		return ScopeHeader, nil
	case "LINE", "LINEAS", "LINES", "ITEM", "ITEMS":
		return ScopeLine, nil
	case "TAX", "IMPUESTOS", "TAXES":
		return ScopeTax, nil
	case "ALL", "TODOS":
		return ScopeAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// IsRecordScope reports whether s names a concrete record type. ALL is only
// meaningful on rules, never on an evaluation call.
func (s Scope) IsRecordScope() bool {
	return s == ScopeHeader || s == ScopeLine || s == ScopeTax
}

// Covers reports whether a rule with scope s applies to records of scope target.
func (s Scope) Covers(target Scope) bool {
	return s == ScopeAll || s == target
}

// Resource limits enforced by the rule engine.
const (
	// MaxPathDepth bounds field path length for both reads and writes.
	MaxPathDepth = 16

	// MaxChainHops bounds LOOKUP_CHAIN length; every hop is a store read.
	MaxChainHops = 8

	// MaxInOperatorValues limits IN lists.
	MaxInOperatorValues = 256

	// MaxActionsPerRule bounds per-rule work.
	MaxActionsPerRule = 64
)
