// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// validateArgs checks args against a tool's declared JSON-schema-shaped
// Parameters() (an OpenAI function-calling schema: type "object", a
// "properties" map, and an optional "required" list). It only checks
// what every provider's schema reliably carries — required-field presence
// and top-level type — not the full JSON Schema spec (nested $ref,
// oneOf/anyOf, format validators). That keeps it dependency-free: none of
// the example repos exercise a JSON-schema library for this, they only
// carry one transitively through an MCP SDK, so a full validator would be
// grounded on nothing this codebase actually calls.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	var missing []string
	for _, name := range requiredFields(schema["required"]) {
		if _, present := args[name]; !present {
			missing = append(missing, name)
		}
	}

	var mismatched []string
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name, value := range args {
			propSchema, ok := props[name].(map[string]interface{})
			if !ok {
				continue
			}
			wantType, ok := propSchema["type"].(string)
			if !ok {
				continue
			}
			if !typeMatches(wantType, value) {
				mismatched = append(mismatched, fmt.Sprintf("%s (expected %s, got %s)", name, wantType, jsonTypeName(value)))
			}
		}
	}

	if len(missing) == 0 && len(mismatched) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(mismatched)

	var sb strings.Builder
	sb.WriteString("invalid arguments")
	if len(missing) > 0 {
		fmt.Fprintf(&sb, "; missing required: %s", strings.Join(missing, ", "))
	}
	if len(mismatched) > 0 {
		fmt.Fprintf(&sb, "; type mismatch: %s", strings.Join(mismatched, ", "))
	}
	if schemaJSON, err := json.Marshal(schema); err == nil {
		fmt.Fprintf(&sb, "; expected schema: %s", schemaJSON)
	}
	return fmt.Errorf("%s", sb.String())
}

// requiredFields normalizes a schema's "required" list: every tool in this
// package writes it as []string, but a schema read back from JSON (e.g. an
// MCP-sourced tool definition) decodes it as []interface{}.
func requiredFields(v interface{}) []string {
	switch required := v.(type) {
	case []string:
		return required
	case []interface{}:
		names := make([]string, 0, len(required))
		for _, r := range required {
			if name, ok := r.(string); ok {
				names = append(names, name)
			}
		}
		return names
	default:
		return nil
	}
}

// typeMatches reports whether value's runtime shape (as decoded from an
// LLM tool call's JSON arguments) satisfies a JSON-schema primitive type
// name. "number" accepts both float64 and the rare int the direct-call
// test paths pass; "integer" requires a whole number.
func typeMatches(wantType string, value interface{}) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func jsonTypeName(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
