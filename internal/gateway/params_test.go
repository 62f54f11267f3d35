package gateway

import (
	"strings"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func TestValidateArgs_AllViolationsReported(t *testing.T) {
	specs := []ParamSpec{
		{Name: "class_name", Type: "string", Required: true},
		{Name: "spots", Type: "integer", Required: true, Min: floatPtr(1), Max: floatPtr(4)},
		{Name: "day", Type: "string", Enum: []string{"mon", "tue", "wed"}},
	}
	args := map[string]any{
		"spots":   float64(9),
		"day":     "sunday",
		"texture": "rough",
	}

	violations := ValidateArgs(specs, args)
	if len(violations) != 4 {
		t.Fatalf("violations = %v, want 4 entries", violations)
	}
	joined := strings.Join(violations, "\n")
	for _, want := range []string{"class_name: required", "spots: above maximum", "day: must be one of", "texture: unknown argument"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing violation %q in %q", want, joined)
		}
	}
}

func TestValidateArgs_Valid(t *testing.T) {
	specs := []ParamSpec{
		{Name: "class_name", Type: "string", Required: true, MaxLen: 40},
		{Name: "spots", Type: "integer", Min: floatPtr(1)},
		{Name: "notify", Type: "boolean"},
	}
	args := map[string]any{
		"class_name": "spin",
		"spots":      float64(2),
		"notify":     true,
	}
	if violations := ValidateArgs(specs, args); len(violations) != 0 {
		t.Errorf("violations = %v, want none", violations)
	}
}

func TestValidateArgs_TypeMismatches(t *testing.T) {
	specs := []ParamSpec{
		{Name: "a", Type: "string"},
		{Name: "b", Type: "number"},
		{Name: "c", Type: "boolean"},
		{Name: "d", Type: "integer"},
	}
	args := map[string]any{
		"a": float64(1),
		"b": "nope",
		"c": "yes",
		"d": float64(1.5),
	}
	violations := ValidateArgs(specs, args)
	if len(violations) != 4 {
		t.Errorf("violations = %v, want 4", violations)
	}
}

func TestValidateArgs_Pattern(t *testing.T) {
	specs := []ParamSpec{{Name: "member_code", Type: "string", Pattern: `^M-\d{4}$`}}

	if v := ValidateArgs(specs, map[string]any{"member_code": "M-1234"}); len(v) != 0 {
		t.Errorf("violations = %v", v)
	}
	if v := ValidateArgs(specs, map[string]any{"member_code": "nope"}); len(v) != 1 {
		t.Errorf("violations = %v, want 1", v)
	}
}

func TestValidateArgs_MaxLen(t *testing.T) {
	specs := []ParamSpec{{Name: "note", Type: "string", MaxLen: 3}}
	if v := ValidateArgs(specs, map[string]any{"note": "too long"}); len(v) != 1 {
		t.Errorf("violations = %v, want 1", v)
	}
}

func TestParseParams_Empty(t *testing.T) {
	specs, err := parseParams("")
	if err != nil || specs != nil {
		t.Errorf("parseParams(\"\") = %v, %v", specs, err)
	}
}
