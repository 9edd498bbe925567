package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"chainline/internal/domain"
)

// Field describes one declared input or output field of an action.
type Field struct {
	Type     string `yaml:"type" json:"type"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// InputSchema maps field name to its declaration.
type InputSchema map[string]Field

// ValidateInput checks data against the declared schema and returns a copy
// with coerced values. Fields not declared in the schema pass through
// untouched. A violation yields a failed envelope and never an error: input
// rejection is normal behavior, terminal and silent downstream.
func ValidateInput(schema InputSchema, data map[string]any) (map[string]any, *domain.Envelope) {
	if len(schema) == 0 {
		return data, nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for name, field := range schema {
		value, present := out[name]
		// An empty string for a non-string optional field counts as absent.
		if present && field.Optional && field.Type != "string" {
			if s, ok := value.(string); ok && s == "" {
				delete(out, name)
				present = false
			}
		}
		if !present || value == nil {
			if !field.Optional {
				env := domain.FailedEnvelope(domain.CodeValidationError,
					fmt.Sprintf("required field %s is missing", name))
				return nil, &env
			}
			continue
		}
		coerced, err := coerce(field.Type, value)
		if err != nil {
			env := domain.FailedEnvelope(domain.CodeValidationError,
				fmt.Sprintf("field %s: %v", name, err))
			return nil, &env
		}
		out[name] = coerced
	}
	return out, nil
}

// coerce converts value toward the declared type. Union declarations
// ("string|integer") are left as-is.
func coerce(declared string, value any) (any, error) {
	if strings.Contains(declared, "|") {
		return value, nil
	}
	switch declared {
	case "", "object", "array", "any":
		return value, nil
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return stringify(value), nil
	case "integer":
		return coerceInteger(value)
	case "number", "float":
		return coerceNumber(value)
	case "boolean":
		return coerceBoolean(value)
	default:
		return value, nil
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v == math.Trunc(v) {
			return int64(v), nil
		}
		return nil, fmt.Errorf("expected integer, got fractional number %v", v)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	case bool:
		return nil, fmt.Errorf("expected integer, got boolean")
	default:
		return nil, fmt.Errorf("expected integer, got %T", value)
	}
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	case bool:
		return nil, fmt.Errorf("expected number, got boolean")
	default:
		return nil, fmt.Errorf("expected number, got %T", value)
	}
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("expected boolean, got %q", v)
	default:
		return nil, fmt.Errorf("expected boolean, got %T", value)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
