// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"strings"
	"testing"
)

type schemaTestTool struct {
	schema map[string]interface{}
}

func (t *schemaTestTool) Name() string                       { return "schema_test" }
func (t *schemaTestTool) Description() string                { return "validator test tool" }
func (t *schemaTestTool) Parameters() map[string]interface{} { return t.schema }
func (t *schemaTestTool) Execute(_ context.Context, _ map[string]interface{}) (string, error) {
	return "ok", nil
}

func newSchemaTestTool() *schemaTestTool {
	return &schemaTestTool{
		schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":  map[string]interface{}{"type": "string"},
				"count": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"path"},
		},
	}
}

func TestValidateArgs_MissingRequiredField(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTestTool())

	_, err := registry.Execute(context.Background(), "schema_test", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	if !strings.Contains(err.Error(), "missing required: path") {
		t.Errorf("expected missing-field message, got: %v", err)
	}
	if !strings.Contains(err.Error(), "expected schema:") {
		t.Errorf("expected schema echoed in error, got: %v", err)
	}
}

func TestValidateArgs_TypeMismatch(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTestTool())

	_, err := registry.Execute(context.Background(), "schema_test", map[string]interface{}{
		"path":  "ok.txt",
		"count": "not-a-number",
	})
	if err == nil {
		t.Fatal("expected error for type mismatch")
	}
	if !strings.Contains(err.Error(), "type mismatch: count") {
		t.Errorf("expected type-mismatch message, got: %v", err)
	}
}

func TestValidateArgs_ValidCallPasses(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTestTool())

	result, err := registry.Execute(context.Background(), "schema_test", map[string]interface{}{
		"path":  "ok.txt",
		"count": float64(3),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
}

func TestValidateArgs_NilSchemaAllowsAnything(t *testing.T) {
	if err := validateArgs(nil, map[string]interface{}{"anything": 1}); err != nil {
		t.Errorf("expected nil schema to allow any args, got: %v", err)
	}
}

func TestValidateArgs_JSONDecodedRequiredList(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"query"},
	}
	if err := validateArgs(schema, map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing required field from []interface{} required list")
	}
	if err := validateArgs(schema, map[string]interface{}{"query": "hi"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
