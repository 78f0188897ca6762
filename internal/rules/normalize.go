// internal/rules/normalize.go
package rules

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

/*
 * Value normalizer.
 *
 * Pure, total functions keyed by transformation name. Used as
 * fieldTransformations before condition evaluation and internally by the
 * CONTAINS operator (case folding). Input that a transformation cannot
 * interpret (a number given to TRIM, letters given to REMOVE_LEADING_ZEROS)
 * passes through unchanged; nothing here returns an error.
 *
 * x/text Casers and transformers carry state, so each call builds its own.
 */

// Transformation names a normalizer function.
type Transformation string

const (
	TransformRemoveLeadingZeros Transformation = "REMOVE_LEADING_ZEROS"
	TransformTrim               Transformation = "TRIM"
	TransformUppercase          Transformation = "UPPERCASE"
	TransformLowercase          Transformation = "LOWERCASE"
	TransformRemoveAccents      Transformation = "REMOVE_ACCENTS"
	TransformRemoveSpaces       Transformation = "REMOVE_SPACES"
	TransformDigitsOnly         Transformation = "DIGITS_ONLY"
	TransformToNumber           Transformation = "TO_NUMBER"
	TransformToString           Transformation = "TO_STRING"
)

var normalizers = map[Transformation]func(any) any{
	TransformRemoveLeadingZeros: onString(RemoveLeadingZeros),
	TransformTrim:               onString(strings.TrimSpace),
	TransformUppercase:          onString(func(s string) string { return cases.Upper(language.Und).String(s) }),
	TransformLowercase:          onString(func(s string) string { return cases.Lower(language.Und).String(s) }),
	TransformRemoveAccents:      onString(RemoveAccents),
	TransformRemoveSpaces:       onString(removeSpaces),
	TransformDigitsOnly:         onString(digitsOnly),
	TransformToNumber:           toNumberTransform,
	TransformToString:           toStringTransform,
}

// KnownTransformation reports whether name is a registered transformation.
func KnownTransformation(name Transformation) bool {
	_, ok := normalizers[name]
	return ok
}

// Normalize applies the named transformation. Unknown names return the value
// unchanged; compile rejects them before evaluation ever gets here.
func Normalize(name Transformation, value any) any {
	fn, ok := normalizers[name]
	if !ok {
		return value
	}
	return fn(value)
}

// onString lifts a string function to any, leaving non-strings untouched.
func onString(fn func(string) string) func(any) any {
	return func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		return fn(s)
	}
}

// RemoveLeadingZeros strips leading '0's from a digit string. A string made
// only of zeros normalizes to "0", never "". Strings containing anything but
// ASCII digits are returned unchanged.
func RemoveLeadingZeros(s string) string {
	if s == "" {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return s
		}
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// RemoveAccents decomposes and drops combining marks: "Línea" -> "Linea".
func RemoveAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// foldCase returns the case-folded form used for case-insensitive matching.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

func removeSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func digitsOnly(s string) string {
	out := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if out == "" {
		return s
	}
	return out
}

func toNumberTransform(v any) any {
	if f, ok := ToNumber(v); ok {
		return f
	}
	return v
}

func toStringTransform(v any) any {
	if v == nil {
		return nil
	}
	return ToText(v)
}
