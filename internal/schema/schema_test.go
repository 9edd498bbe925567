package schema_test

import (
	"strings"
	"testing"

	"chainline/internal/domain"
	"chainline/internal/schema"
)

func TestRequiredFieldMissing(t *testing.T) {
	s := schema.InputSchema{"chat_id": {Type: "integer"}}
	_, env := schema.ValidateInput(s, map[string]any{})
	if env == nil {
		t.Fatalf("expected validation failure")
	}
	if env.Result != domain.ResultFailed {
		t.Fatalf("result = %q, want failed", env.Result)
	}
	if env.Error == nil || env.Error.Code != domain.CodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "chat_id") {
		t.Fatalf("message should name field: %s", env.Error.Message)
	}
}

func TestOptionalFieldMissing(t *testing.T) {
	s := schema.InputSchema{"note": {Type: "string", Optional: true}}
	out, env := schema.ValidateInput(s, map[string]any{"other": 1})
	if env != nil {
		t.Fatalf("unexpected failure: %+v", env)
	}
	if out["other"] != 1 {
		t.Fatalf("undeclared field should pass through")
	}
}

func TestEmptyStringOptionalNonString(t *testing.T) {
	s := schema.InputSchema{"count": {Type: "integer", Optional: true}}
	out, env := schema.ValidateInput(s, map[string]any{"count": ""})
	if env != nil {
		t.Fatalf("empty optional should be treated absent: %+v", env)
	}
	if _, present := out["count"]; present {
		t.Fatalf("empty optional should be dropped")
	}
}

func TestIntegerCoercion(t *testing.T) {
	s := schema.InputSchema{"n": {Type: "integer"}}
	out, env := schema.ValidateInput(s, map[string]any{"n": float64(42)})
	if env != nil {
		t.Fatalf("whole float should coerce: %+v", env)
	}
	if out["n"] != int64(42) {
		t.Fatalf("n = %v (%T), want int64 42", out["n"], out["n"])
	}
	out, env = schema.ValidateInput(s, map[string]any{"n": "17"})
	if env != nil || out["n"] != int64(17) {
		t.Fatalf("digit string should coerce: %v %v", out["n"], env)
	}
	if _, env = schema.ValidateInput(s, map[string]any{"n": 1.5}); env == nil {
		t.Fatalf("fractional float must fail integer")
	}
	if _, env = schema.ValidateInput(s, map[string]any{"n": "abc"}); env == nil {
		t.Fatalf("non-numeric string must fail integer")
	}
}

func TestStringCoercion(t *testing.T) {
	s := schema.InputSchema{"v": {Type: "string"}}
	out, env := schema.ValidateInput(s, map[string]any{"v": float64(5)})
	if env != nil || out["v"] != "5" {
		t.Fatalf("number should stringify: %v %v", out["v"], env)
	}
}

func TestBooleanCoercion(t *testing.T) {
	s := schema.InputSchema{"flag": {Type: "boolean"}}
	out, env := schema.ValidateInput(s, map[string]any{"flag": "true"})
	if env != nil || out["flag"] != true {
		t.Fatalf(`"true" should coerce: %v %v`, out["flag"], env)
	}
	if _, env = schema.ValidateInput(s, map[string]any{"flag": "yes"}); env == nil {
		t.Fatalf(`"yes" must fail boolean`)
	}
}

func TestUnionTypePassthrough(t *testing.T) {
	s := schema.InputSchema{"id": {Type: "string|integer"}}
	out, env := schema.ValidateInput(s, map[string]any{"id": float64(3)})
	if env != nil || out["id"] != float64(3) {
		t.Fatalf("union should pass through: %v %v", out["id"], env)
	}
}

func TestEmptySchemaPassthrough(t *testing.T) {
	data := map[string]any{"anything": "goes"}
	out, env := schema.ValidateInput(nil, data)
	if env != nil {
		t.Fatalf("nil schema must pass: %+v", env)
	}
	if out["anything"] != "goes" {
		t.Fatalf("data should be returned as-is")
	}
}
