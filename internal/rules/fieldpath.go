// internal/rules/fieldpath.go
package rules

import (
	"strconv"
	"strings"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * Field path resolution for records and JSON column values.
 *
 * Paths are dot-separated identifiers with optional [index] suffixes, applied
 * left to right: "contabilidad.subcuenta.codigo", "cuentas[1].cuenta",
 * "matriz[0][2]". ParsePath turns the string into PathSegments once at
 * compile time; Resolve and Assign walk decoded values.
 *
 * Read semantics: a missing key, an out-of-range index or descending into a
 * scalar reports Found=false with ErrFieldNotFound, never a panic.
 *
 * Write semantics: intermediate objects are created on demand, arrays never
 * are. An [index] segment over anything but an existing array element
 * returns ErrPathWrite; the caller turns that into a no-op for the action.
 */

// ResolveResult contains the resolved value.
type ResolveResult struct {
	Value any  // resolved value (nil if not found)
	Found bool // true if path resolved to a value, including an explicit null
}

// ParsePath parses a dotted/bracketed path into segments.
// Returns ErrPathSyntax for empty segments or malformed brackets and
// ErrPathTooDeep past MaxPathDepth.
func ParsePath(path string) ([]types.PathSegment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, types.ErrPathSyntax
	}

	var segs []types.PathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, types.ErrPathSyntax
		}
		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key == "" || strings.ContainsAny(key, "]") {
			return nil, types.ErrPathSyntax
		}
		segs = append(segs, types.PathSegment{Key: key})

		for rest != "" {
			if rest[0] != '[' {
				return nil, types.ErrPathSyntax
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, types.ErrPathSyntax
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, types.ErrPathSyntax
			}
			segs = append(segs, types.PathSegment{Index: idx, IsIndex: true})
			rest = rest[end+1:]
		}
	}

	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	return segs, nil
}

// FormatPath renders segments back to the string grammar.
func FormatPath(path []types.PathSegment) string {
	var b strings.Builder
	for i, seg := range path {
		if seg.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Key)
	}
	return b.String()
}

// Resolve traverses data following path segments.
// Returns ErrPathTooDeep if path exceeds MaxPathDepth.
// Returns ErrFieldNotFound if path does not exist in data.
func Resolve(path []types.PathSegment, data any) (ResolveResult, error) {
	if len(path) > types.MaxPathDepth {
		return ResolveResult{}, types.ErrPathTooDeep
	}
	return resolveRecursive(path, data)
}

// resolveRecursive traverses nested maps and slices following path segments.
func resolveRecursive(path []types.PathSegment, current any) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{Value: current, Found: true}, nil
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		return resolveKey(seg, remaining, v)
	case types.Record:
		return resolveKey(seg, remaining, v)
	case []any:
		if !seg.IsIndex {
			// Cannot use string key on array
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if seg.Index < 0 || seg.Index >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[seg.Index])
	case []map[string]any:
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, v[seg.Index])
	default:
		// nil or scalar value but path continues
		return ResolveResult{}, types.ErrFieldNotFound
	}
}

func resolveKey(seg types.PathSegment, remaining []types.PathSegment, m map[string]any) (ResolveResult, error) {
	if seg.IsIndex {
		// Cannot index into object with integer
		return ResolveResult{}, types.ErrFieldNotFound
	}
	val, ok := m[seg.Key]
	if !ok {
		return ResolveResult{}, types.ErrFieldNotFound
	}
	return resolveRecursive(remaining, val)
}

// Lookup is the non-erroring form used by conditions and interpolation:
// any resolution failure reads as (nil, false).
func Lookup(record types.Record, path []types.PathSegment) (any, bool) {
	res, err := Resolve(path, map[string]any(record))
	if err != nil || !res.Found {
		return nil, false
	}
	return res.Value, true
}

// Assign writes value at path inside record, creating intermediate objects.
// Returns ErrPathWrite when an array would have to be created or indexed out
// of range, or when a scalar sits where a container is needed. A failed write
// leaves record unchanged.
func Assign(record types.Record, path []types.PathSegment, value any) error {
	if len(path) == 0 {
		return types.ErrPathWrite
	}
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	if err := checkAssign(record, path); err != nil {
		return err
	}

	var current any = map[string]any(record)
	for i, seg := range path {
		last := i == len(path)-1

		switch c := current.(type) {
		case map[string]any:
			next, err := assignKey(c, seg, path, i, last, value)
			if err != nil {
				return err
			}
			current = next
		case types.Record:
			next, err := assignKey(c, seg, path, i, last, value)
			if err != nil {
				return err
			}
			current = next
		case []any:
			if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(c) {
				return types.ErrPathWrite
			}
			if last {
				c[seg.Index] = value
				return nil
			}
			next := c[seg.Index]
			if next == nil {
				if path[i+1].IsIndex {
					return types.ErrPathWrite
				}
				next = map[string]any{}
				c[seg.Index] = next
			}
			current = next
		default:
			return types.ErrPathWrite
		}
	}
	return nil
}

// checkAssign walks path without mutating record and reports whether Assign
// would succeed. Past the first missing container only objects get created,
// so the remaining segments must all be keys.
func checkAssign(record types.Record, path []types.PathSegment) error {
	var current any = map[string]any(record)
	for i, seg := range path {
		last := i == len(path)-1

		var next any
		switch c := current.(type) {
		case map[string]any:
			if seg.IsIndex {
				return types.ErrPathWrite
			}
			next = c[seg.Key]
		case types.Record:
			if seg.IsIndex {
				return types.ErrPathWrite
			}
			next = c[seg.Key]
		case []any:
			if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(c) {
				return types.ErrPathWrite
			}
			next = c[seg.Index]
		default:
			return types.ErrPathWrite
		}

		if last {
			return nil
		}
		if next == nil {
			for _, rest := range path[i+1:] {
				if rest.IsIndex {
					return types.ErrPathWrite
				}
			}
			return nil
		}
		current = next
	}
	return nil
}

// assignKey handles one object-key step of Assign and returns the container
// to descend into (nil once the value has been written).
func assignKey(m map[string]any, seg types.PathSegment, path []types.PathSegment, i int, last bool, value any) (any, error) {
	if seg.IsIndex {
		return nil, types.ErrPathWrite
	}
	if last {
		m[seg.Key] = value
		return nil, nil
	}
	next, ok := m[seg.Key]
	if !ok || next == nil {
		if path[i+1].IsIndex {
			// Arrays are never auto-created
			return nil, types.ErrPathWrite
		}
		created := map[string]any{}
		m[seg.Key] = created
		return created, nil
	}
	return next, nil
}
