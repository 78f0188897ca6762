package rules

import (
	"fmt"
	"strings"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

// Template is a compiled "{path.to.field}" string. Only single-placeholder
// substitution through the field path resolver is supported; there is no
// expression syntax inside braces.
type Template struct {
	source string
	parts  []templatePart
}

type templatePart struct {
	literal string
	path    []types.PathSegment // nil for literal parts
}

// ParseTemplate compiles a template. A '{' without a closing '}' is literal.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{source: s}
	rest := s
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.parts = append(t.parts, templatePart{literal: rest})
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			t.parts = append(t.parts, templatePart{literal: rest})
			break
		}
		closing += open
		if open > 0 {
			t.parts = append(t.parts, templatePart{literal: rest[:open]})
		}
		path, err := ParsePath(rest[open+1 : closing])
		if err != nil {
			return nil, fmt.Errorf("placeholder %q: %w", rest[open:closing+1], err)
		}
		t.parts = append(t.parts, templatePart{path: path})
		rest = rest[closing+1:]
	}
	return t, nil
}

// String returns the template source.
func (t *Template) String() string {
	return t.source
}

// HasPlaceholders reports whether the template references any field.
func (t *Template) HasPlaceholders() bool {
	for _, p := range t.parts {
		if p.path != nil {
			return true
		}
	}
	return false
}

// Render substitutes placeholders from record. ok is false when any
// placeholder is missing or null; the caller treats that as a lookup miss.
func (t *Template) Render(record types.Record) (string, bool) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.path == nil {
			b.WriteString(p.literal)
			continue
		}
		v, found := Lookup(record, p.path)
		if !found || v == nil {
			return "", false
		}
		b.WriteString(ToText(v))
	}
	return b.String(), true
}
