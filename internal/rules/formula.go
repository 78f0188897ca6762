// internal/rules/formula.go
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ledgerline/fieldkeeper/internal/types"
)

/*
 * CALCULATE formulas.
 *
 * A formula is arithmetic over record fields: "{importeNeto} * {alicuota} / 100".
 * Placeholders are not pasted into the source text. Each distinct path becomes
 * an expr variable (fk_p0, fk_p1, ...) typed float64, the rewritten source is
 * compiled once with all builtins disabled, and values are bound per record.
 * The record never reaches the expression as code, only as numbers.
 *
 * A placeholder that is missing or not numeric fails the action (no-op), it
 * is never treated as zero.
 */

// Formula is a compiled CALCULATE expression.
type Formula struct {
	source  string
	program *vm.Program
	vars    []formulaVar
}

type formulaVar struct {
	name string
	path []types.PathSegment
}

// CompileFormula rewrites placeholders to variables and compiles the result.
func CompileFormula(source string) (*Formula, error) {
	f := &Formula{source: source}
	byPath := map[string]string{}

	var b strings.Builder
	rest := source
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("%w: unclosed placeholder in %q", types.ErrInvalidFormula, source)
		}
		closing += open
		b.WriteString(rest[:open])

		raw := strings.TrimSpace(rest[open+1 : closing])
		path, err := ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: placeholder {%s}: %v", types.ErrInvalidFormula, raw, err)
		}
		name, ok := byPath[raw]
		if !ok {
			name = "fk_p" + strconv.Itoa(len(f.vars))
			byPath[raw] = name
			f.vars = append(f.vars, formulaVar{name: name, path: path})
		}
		b.WriteString(name)
		rest = rest[closing+1:]
	}

	env := make(map[string]any, len(f.vars))
	for _, v := range f.vars {
		env[v.name] = float64(0)
	}

	program, err := expr.Compile(b.String(), expr.Env(env), expr.DisableAllBuiltins())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFormula, err)
	}
	f.program = program
	return f, nil
}

// String returns the original formula text.
func (f *Formula) String() string {
	return f.source
}

// Eval binds placeholder values from record and runs the program.
func (f *Formula) Eval(record types.Record) (float64, error) {
	env := make(map[string]any, len(f.vars))
	for _, v := range f.vars {
		raw, found := Lookup(record, v.path)
		if !found || raw == nil {
			return 0, fmt.Errorf("formula field %s is missing", FormatPath(v.path))
		}
		n, ok := ToNumber(raw)
		if !ok {
			return 0, fmt.Errorf("formula field %s is not numeric: %q", FormatPath(v.path), ToText(raw))
		}
		env[v.name] = n
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return 0, fmt.Errorf("evaluate formula: %w", err)
	}
	n, ok := ToNumber(out)
	if !ok {
		return 0, fmt.Errorf("formula result is not numeric: %v", out)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("formula result is not finite")
	}
	return n, nil
}

// roundTo rounds half away from zero to the given number of decimals. Values
// too large to scale have no fractional digits left and come back unchanged.
func roundTo(n float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	scaled := n * p
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) {
		return n
	}
	return math.Round(scaled) / p
}
