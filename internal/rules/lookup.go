// internal/rules/lookup.go
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Lookup resolution against master/reference data.
 *
 * Three kinds, all returning LookupResult{Value, Found}:
 *   - direct: table.queryField = value
 *   - JSON:   <path inside a JSON column> = value, optional type filter
 *   - chain:  sequential direct lookups, hop i's result keys hop i+1
 *
 * A miss is not an error. A store error is wrapped in *LookupError so the
 * pipeline can tell "no such row" from "store unavailable" and abort only
 * the current rule.
 *
 * Every store read runs under its own context.WithTimeout. Chains never
 * parallelize; a miss at any hop returns immediately without touching the
 * remaining tables.
 *
 * Result extraction: the first resultField segment names a column; the rest
 * descend into that column's decoded JSON text. An empty resultField yields
 * the whole row.
 */

// ColumnFilter is an additional plain-column equality on a lookup.
type ColumnFilter struct {
	Column string
	Value  string
}

// Predicate selects one row. When JSONPath is set, Column holds JSON text and
// the comparison is against the value at JSONPath inside it. Comparison is
// textual.
type Predicate struct {
	Column   string
	JSONPath []types.PathSegment
	Value    string
	Filters  []ColumnFilter
}

// RecordStore reads master/reference data. FindOne returns the first row in
// store order when several match; callers must not rely on which.
type RecordStore interface {
	FindOne(ctx context.Context, table string, pred Predicate) (types.Record, bool, error)
}

// LookupResult is the outcome of one lookup.
type LookupResult struct {
	Value any
	Found bool
}

// Matches reports whether row satisfies pred. In-memory stores use it so
// their semantics agree with the SQL predicates.
func (p Predicate) Matches(row types.Record) bool {
	for _, f := range p.Filters {
		v, ok := row[f.Column]
		if !ok || v == nil || ToText(v) != f.Value {
			return false
		}
	}
	v, ok := row[p.Column]
	if !ok || v == nil {
		return false
	}
	if len(p.JSONPath) == 0 {
		return ToText(v) == p.Value
	}
	inner, found := descendJSON(v, p.JSONPath)
	return found && inner != nil && ToText(inner) == p.Value
}

// lookupResolver issues bounded reads against a RecordStore.
type lookupResolver struct {
	store   RecordStore
	timeout time.Duration
}

// find performs one bounded store read.
func (r *lookupResolver) find(ctx context.Context, table string, pred Predicate) (types.Record, bool, error) {
	if r.store == nil {
		return nil, false, &LookupError{Table: table, Err: errNoRecordStore}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	row, found, err := r.store.FindOne(ctx, table, pred)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrTableNotAllowed), errors.Is(err, types.ErrInvalidIdentifier):
		// A rejected table or column is the rule's fault, not the store's.
		return nil, false, &ConfigError{Err: fmt.Errorf("lookup in %s: %w", table, err)}
	default:
		return nil, false, &LookupError{Table: table, Err: err}
	}
	return row, found, nil
}

// Direct looks up table.column = value and extracts result from the row.
func (r *lookupResolver) Direct(ctx context.Context, table, column, value string, result []types.PathSegment) (LookupResult, error) {
	row, found, err := r.find(ctx, table, Predicate{Column: column, Value: value})
	if err != nil || !found {
		return LookupResult{}, err
	}
	return extractResult(row, result), nil
}

// JSON looks up a row whose JSON column holds value at jsonPath.
func (r *lookupResolver) JSON(ctx context.Context, table, column string, jsonPath []types.PathSegment, value string, filters []ColumnFilter, result []types.PathSegment) (LookupResult, error) {
	pred := Predicate{Column: column, JSONPath: jsonPath, Value: value, Filters: filters}
	row, found, err := r.find(ctx, table, pred)
	if err != nil || !found {
		return LookupResult{}, err
	}
	return extractResult(row, result), nil
}

// Chain walks hops in order. Each intermediate result is stringified to key
// the next hop; the final hop's value is returned as extracted.
func (r *lookupResolver) Chain(ctx context.Context, key string, hops []ChainStep) (LookupResult, error) {
	var res LookupResult
	for i, hop := range hops {
		var err error
		res, err = r.Direct(ctx, hop.Table, hop.QueryField, key, hop.Result)
		if err != nil {
			return LookupResult{}, err
		}
		if !res.Found || res.Value == nil {
			return LookupResult{}, nil
		}
		if i < len(hops)-1 {
			key = ToText(res.Value)
		}
	}
	return res, nil
}

// extractResult applies a resultField path to a row.
func extractResult(row types.Record, path []types.PathSegment) LookupResult {
	if len(path) == 0 {
		return LookupResult{Value: map[string]any(row.Clone()), Found: true}
	}
	col, ok := row[path[0].Key]
	if !ok {
		return LookupResult{}
	}
	if len(path) == 1 {
		// A JSON column named on its own is returned decoded.
		if decoded, ok := decodeJSONText(col); ok {
			return LookupResult{Value: decoded, Found: true}
		}
		return LookupResult{Value: col, Found: true}
	}
	v, found := descendJSON(col, path[1:])
	if !found {
		return LookupResult{}
	}
	return LookupResult{Value: v, Found: true}
}

// descendJSON resolves path inside a column value, decoding JSON text first.
func descendJSON(col any, path []types.PathSegment) (any, bool) {
	if decoded, ok := decodeJSONText(col); ok {
		col = decoded
	}
	res, err := Resolve(path, col)
	if err != nil || !res.Found {
		return nil, false
	}
	return res.Value, true
}

// decodeJSONText decodes a column holding a JSON object or array as text.
// Scalars are left alone so "3010101" stays a string.
func decodeJSONText(v any) (any, bool) {
	var raw []byte
	switch t := v.(type) {
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return nil, false
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}
