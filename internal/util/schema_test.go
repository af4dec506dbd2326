package util

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestCleanJSONSchemaForClaude_ConstToEnum(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"kind": {
				"type": "string",
				"const": "InsightVizNode"
			}
		}
	}`

	expected := `{
		"type": "object",
		"properties": {
			"kind": {
				"type": "string",
				"enum": ["InsightVizNode"]
			}
		}
	}`

	result := CleanJSONSchemaForClaude(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_StrictCleanup(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "const": "active"},
			"metadata": {"type": "object", "additionalProperties": false}
		}
	}`

	result := CleanJSONSchemaForClaude(input)

	expected := `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["active"]},
			"metadata": {
				"type": "object",
				"description": "No extra properties allowed",
				"properties": {
					"_placeholder": {"type": "boolean", "description": "Placeholder for empty schema"}
				},
				"required": ["_placeholder"]
			}
		}
	}`
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_EnumHint(t *testing.T) {
	input := `{
		"type": "string",
		"description": "Sort order",
		"enum": ["asc", "desc"]
	}`

	expected := `{
		"type": "string",
		"description": "Sort order (Allowed: asc, desc)",
		"enum": ["asc", "desc"]
	}`

	result := CleanJSONSchemaForClaude(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_ConstraintsToDescription(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"description": "User name",
				"minLength": 2,
				"maxLength": 50
			},
			"tags": {
				"type": "array",
				"minItems": 1
			}
		}
	}`

	result := CleanJSONSchemaForClaude(input)

	nameDesc := jsonGetString(t, result, "properties", "name", "description")
	if !strings.Contains(nameDesc, "minLength: 2") || !strings.Contains(nameDesc, "maxLength: 50") {
		t.Errorf("name description missing constraint hints: %q", nameDesc)
	}
	if !strings.HasPrefix(nameDesc, "User name") {
		t.Errorf("name description lost original text: %q", nameDesc)
	}
	tagsDesc := jsonGetString(t, result, "properties", "tags", "description")
	if !strings.Contains(tagsDesc, "minItems: 1") {
		t.Errorf("tags description missing minItems hint: %q", tagsDesc)
	}
	if strings.Contains(result, `"minLength"`) || strings.Contains(result, `"minItems"`) {
		t.Errorf("constraint keywords not removed: %s", result)
	}
}

func TestCleanJSONSchemaForClaude_RefToHint(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"user": {"$ref": "#/$defs/User"}
		},
		"$defs": {
			"User": {"type": "object"}
		}
	}`

	result := CleanJSONSchemaForClaude(input)

	userDesc := jsonGetString(t, result, "properties", "user", "description")
	if !strings.Contains(userDesc, "See: User") {
		t.Errorf("ref not rewritten to hint: %q", userDesc)
	}
	if strings.Contains(result, "$defs") || strings.Contains(result, "$ref") {
		t.Errorf("$defs/$ref not stripped: %s", result)
	}
}

func TestCleanJSONSchemaForClaude_AllOfMerge(t *testing.T) {
	input := `{
		"allOf": [
			{"type": "object", "properties": {"a": {"type": "string"}}, "required": ["a"]},
			{"properties": {"b": {"type": "number"}}, "required": ["b"]}
		]
	}`

	expected := `{
		"type": "object",
		"properties": {
			"a": {"type": "string"},
			"b": {"type": "number"}
		},
		"required": ["a", "b"]
	}`

	result := CleanJSONSchemaForClaude(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_AnyOfEnumMerge(t *testing.T) {
	input := `{
		"description": "Mode",
		"anyOf": [
			{"const": "fast"},
			{"enum": ["slow", "auto"]}
		]
	}`

	expected := `{
		"type": "string",
		"description": "Mode",
		"enum": ["fast", "slow", "auto"]
	}`

	result := CleanJSONSchemaForClaude(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_AnyOfPicksRichestOption(t *testing.T) {
	input := `{
		"anyOf": [
			{"type": "string"},
			{"type": "object", "properties": {"x": {"type": "string"}}}
		]
	}`

	result := CleanJSONSchemaForClaude(input)

	if got := jsonGetString(t, result, "type"); got != "object" {
		t.Errorf("expected object option selected, got type %q", got)
	}
	desc := jsonGetString(t, result, "description")
	if !strings.Contains(desc, "Accepts: string | object") {
		t.Errorf("missing Accepts hint: %q", desc)
	}
}

func TestCleanJSONSchemaForClaude_TypeArrayFlattening(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"name": {"type": ["string", "null"]},
			"other": {"type": "string"}
		},
		"required": ["name", "other"]
	}`

	expected := `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "nullable"},
			"other": {"type": "string"}
		},
		"required": ["name", "other"]
	}`

	result := CleanJSONSchemaForClaude(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_RequiredCleanup(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"a": {"type": "string"}
		},
		"required": ["a", "ghost"]
	}`

	result := CleanJSONSchemaForClaude(input)

	expected := `{
		"type": "object",
		"properties": {"a": {"type": "string"}},
		"required": ["a"]
	}`
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForClaude_PropertyNamedLikeKeyword(t *testing.T) {
	// A user property literally named "format" must survive the keyword strip.
	input := `{
		"type": "object",
		"properties": {
			"format": {"type": "string"}
		}
	}`

	result := CleanJSONSchemaForClaude(input)
	if jsonGetString(t, result, "properties", "format", "type") != "string" {
		t.Errorf("property named format was stripped: %s", result)
	}
}

func TestCleanJSONSchemaForClaude_Idempotent(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "const": "active"},
			"name": {"type": ["string", "null"], "minLength": 2},
			"empty": {"type": "object"}
		},
		"required": ["status", "gone"]
	}`

	once := CleanJSONSchemaForClaude(input)
	twice := CleanJSONSchemaForClaude(once)

	if !reflect.DeepEqual(stripDescriptions(t, once), stripDescriptions(t, twice)) {
		t.Errorf("cleanStrict not structurally idempotent:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestCleanJSONSchemaForGemini_DropsUnsupportedKeys(t *testing.T) {
	input := `{
		"$schema": "https://json-schema.org/draft-07/schema",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"email": {"type": "string", "format": "email", "minLength": 5},
			"nested": {
				"type": "object",
				"properties": {
					"code": {"type": "string", "pattern": "^[A-Z]+$"}
				}
			}
		}
	}`

	expected := `{
		"type": "object",
		"properties": {
			"email": {"type": "string"},
			"nested": {
				"type": "object",
				"properties": {
					"code": {"type": "string"}
				}
			}
		}
	}`

	result := CleanJSONSchemaForGemini(input)
	compareJSON(t, expected, result)
}

func TestCleanJSONSchemaForGemini_Idempotent(t *testing.T) {
	input := `{"type": "object", "properties": {"a": {"type": "string", "format": "uuid"}}}`
	once := CleanJSONSchemaForGemini(input)
	twice := CleanJSONSchemaForGemini(once)
	compareJSON(t, once, twice)
}

func TestCleanJSONSchemaForGemini_KeepsPropertyNamedDefault(t *testing.T) {
	input := `{
		"type": "object",
		"properties": {
			"default": {"type": "boolean"}
		}
	}`

	result := CleanJSONSchemaForGemini(input)
	if jsonGetString(t, result, "properties", "default", "type") != "boolean" {
		t.Errorf("property named default was stripped: %s", result)
	}
}

func compareJSON(t *testing.T, expectedJSON, actualJSON string) {
	t.Helper()
	var expMap, actMap map[string]interface{}
	errExp := json.Unmarshal([]byte(expectedJSON), &expMap)
	errAct := json.Unmarshal([]byte(actualJSON), &actMap)

	if errExp != nil || errAct != nil {
		t.Fatalf("JSON Unmarshal error. Exp: %v, Act: %v", errExp, errAct)
	}

	if !reflect.DeepEqual(expMap, actMap) {
		expBytes, _ := json.MarshalIndent(expMap, "", "  ")
		actBytes, _ := json.MarshalIndent(actMap, "", "  ")
		t.Errorf("JSON mismatch:\nExpected:\n%s\n\nActual:\n%s", string(expBytes), string(actBytes))
	}
}

func jsonGetString(t *testing.T, jsonStr string, keys ...string) string {
	t.Helper()
	var node interface{}
	if err := json.Unmarshal([]byte(jsonStr), &node); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range keys {
		m, ok := node.(map[string]interface{})
		if !ok {
			t.Fatalf("path %v: not an object", keys)
		}
		node = m[key]
	}
	s, _ := node.(string)
	return s
}

// stripDescriptions removes every description field so structural idempotence
// can be compared independently of hint re-appending.
func stripDescriptions(t *testing.T, jsonStr string) interface{} {
	t.Helper()
	var node interface{}
	if err := json.Unmarshal([]byte(jsonStr), &node); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var strip func(v interface{}) interface{}
	strip = func(v interface{}) interface{} {
		switch vv := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(vv))
			for k, val := range vv {
				if k == "description" {
					continue
				}
				out[k] = strip(val)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(vv))
			for i, val := range vv {
				out[i] = strip(val)
			}
			return out
		default:
			return v
		}
	}
	return strip(node)
}
