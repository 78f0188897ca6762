package rules

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestToText(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "abc", "abc"},
		{"integral float", float64(120), "120"},
		{"fractional float", 12.5, "12.5"},
		{"int", 7, "7"},
		{"int64", int64(-3), "-3"},
		{"json number", json.Number("00120"), "00120"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"bytes", []byte("raw"), "raw"},
		{"array", []any{"a", 1.0}, `["a",1]`},
		{"object", map[string]any{"k": "v"}, `{"k":"v"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToText(tt.input); got != tt.want {
				t.Errorf("ToText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   float64
		wantOK bool
	}{
		{"float", 1.5, 1.5, true},
		{"int", 3, 3, true},
		{"numeric string", "42", 42, true},
		{"padded string", "  42.5 ", 42.5, true},
		{"comma decimal", "12,50", 12.5, true},
		{"leading zeros", "00120", 120, true},
		{"json number", json.Number("2.25"), 2.25, true},
		{"thousands and decimal", "1,234.5", 0, false},
		{"empty string", "", 0, false},
		{"letters", "abc", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToNumber(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ToNumber() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ToNumber() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemoveLeadingZeros(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"0000", "0"},
		{"0", "0"},
		{"00120", "120"},
		{"120", "120"},
		{"1000", "1000"},
		{"", ""},
		{"00A12", "00A12"},
		{" 0012", " 0012"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := RemoveLeadingZeros(tt.input); got != tt.want {
				t.Errorf("RemoveLeadingZeros(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		tf    Transformation
		input any
		want  any
	}{
		{"zeros", TransformRemoveLeadingZeros, "000450", "450"},
		{"zeros leaves numbers alone", TransformRemoveLeadingZeros, 450.0, 450.0},
		{"trim", TransformTrim, "  Bandejas  ", "Bandejas"},
		{"upper", TransformUppercase, "cuit ñandú", "CUIT ÑANDÚ"},
		{"lower", TransformLowercase, "IVA 21%", "iva 21%"},
		{"accents", TransformRemoveAccents, "Percepción Línea", "Percepcion Linea"},
		{"spaces", TransformRemoveSpaces, "30 71 234 567 8", "30712345678"},
		{"digits", TransformDigitsOnly, "30-71234567-8", "30712345678"},
		{"digits without digits passes through", TransformDigitsOnly, "N/A", "N/A"},
		{"to number", TransformToNumber, "1.234", 1.234},
		{"to number unparseable", TransformToNumber, "n/a", "n/a"},
		{"to string", TransformToString, 21.0, "21"},
		{"to string keeps nil", TransformToString, nil, nil},
		{"unknown passes through", Transformation("REVERSE"), "abc", "abc"},
		{"trim non string", TransformTrim, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.tf, tt.input); got != tt.want {
				t.Errorf("Normalize(%s, %v) = %v, want %v", tt.tf, tt.input, got, tt.want)
			}
		})
	}
}

func TestKnownTransformation(t *testing.T) {
	for name := range normalizers {
		if !KnownTransformation(name) {
			t.Errorf("KnownTransformation(%s) = false, want true", name)
		}
	}
	if KnownTransformation("remove_leading_zeros") {
		t.Errorf("KnownTransformation() is case-insensitive, want exact names")
	}
}

// Property-based test: leading zero removal is idempotent and never empties
// a digit string
func TestRemoveLeadingZeros_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("idempotent and non-empty", prop.ForAll(
		func(zeros int, digits string) bool {
			s := strings.Repeat("0", zeros) + digits
			if s == "" {
				return true
			}
			once := RemoveLeadingZeros(s)
			if once == "" {
				return false
			}
			if len(once) > 1 && once[0] == '0' {
				return false
			}
			return RemoveLeadingZeros(once) == once
		},
		gen.IntRange(0, 10),
		gen.NumString(),
	))

	properties.TestingRun(t)
}
