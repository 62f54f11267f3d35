package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ParamSpec declares one parameter of a tool's schema.
type ParamSpec struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // string, number, integer, boolean
	Required bool     `json:"required"`
	Enum     []string `json:"enum,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	MaxLen   int      `json:"max_len,omitempty"`
}

// parseParams decodes a tool's JSON-encoded parameter schema.
func parseParams(raw string) ([]ParamSpec, error) {
	if raw == "" {
		return nil, nil
	}
	var specs []ParamSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ValidateArgs checks args against the declared schema and returns every
// violated constraint, not just the first. Unknown arguments are violations
// too. A tool with no declared parameters accepts anything.
func ValidateArgs(specs []ParamSpec, args map[string]any) []string {
	if len(specs) == 0 {
		return nil
	}
	var violations []string
	known := map[string]bool{}

	for _, spec := range specs {
		known[spec.Name] = true
		val, present := args[spec.Name]
		if !present {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("%s: required", spec.Name))
			}
			continue
		}
		violations = append(violations, checkValue(spec, val)...)
	}
	for name := range args {
		if !known[name] {
			violations = append(violations, fmt.Sprintf("%s: unknown argument", name))
		}
	}
	return violations
}

func checkValue(spec ParamSpec, val any) []string {
	var violations []string
	switch spec.Type {
	case "string", "":
		s, ok := val.(string)
		if !ok {
			return []string{fmt.Sprintf("%s: expected string", spec.Name)}
		}
		if spec.MaxLen > 0 && len(s) > spec.MaxLen {
			violations = append(violations, fmt.Sprintf("%s: longer than %d characters", spec.Name, spec.MaxLen))
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			violations = append(violations, fmt.Sprintf("%s: must be one of %v", spec.Name, spec.Enum))
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				violations = append(violations, fmt.Sprintf("%s: invalid pattern in schema", spec.Name))
			} else if !re.MatchString(s) {
				violations = append(violations, fmt.Sprintf("%s: does not match %s", spec.Name, spec.Pattern))
			}
		}
	case "number", "integer":
		// JSON numbers decode as float64.
		f, ok := val.(float64)
		if !ok {
			return []string{fmt.Sprintf("%s: expected %s", spec.Name, spec.Type)}
		}
		if spec.Type == "integer" && f != float64(int64(f)) {
			violations = append(violations, fmt.Sprintf("%s: expected integer", spec.Name))
		}
		if spec.Min != nil && f < *spec.Min {
			violations = append(violations, fmt.Sprintf("%s: below minimum %v", spec.Name, *spec.Min))
		}
		if spec.Max != nil && f > *spec.Max {
			violations = append(violations, fmt.Sprintf("%s: above maximum %v", spec.Name, *spec.Max))
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return []string{fmt.Sprintf("%s: expected boolean", spec.Name)}
		}
	default:
		violations = append(violations, fmt.Sprintf("%s: unsupported type %q in schema", spec.Name, spec.Type))
	}
	return violations
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
