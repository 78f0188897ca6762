// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

/*
 * Type coercion for condition evaluation, lookups and formulas.
 *
 * Extracted fields arrive as whatever the producer emitted: the same invoice
 * number can be "00120", 120 or 120.0 depending on the document. Two modes:
 *
 *   - TEXT (lenient): every value has a string form. Used by string
 *     operators, lookup keys and interpolation. nil becomes "".
 *   - NUMERIC (strict): float64/int/int64/json.Number and numeric strings
 *     (trimmed, comma or dot decimal separator) coerce; booleans and other
 *     strings fail.
 *
 * Null is not a coercion failure: callers check for nil before coercing so
 * IS_NULL and friends can see it.
 */

// ToText converts any value to its string form for text comparison.
func ToText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []byte:
		return string(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ToNumber converts numeric values and numeric strings to float64.
// Strings accept a single comma as decimal separator ("12,50") since that is
// how most extracted amounts look.
func ToNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// isNativeNumber reports whether value already is a number (not a numeric string).
func isNativeNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	default:
		return false
	}
}

// isEmptyValue implements IS_EMPTY: nil, whitespace-only strings and empty
// collections are empty.
func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
