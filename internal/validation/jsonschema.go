package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/enact/pkg/schema"
)

const stackSchemaURL = "https://enact.dev/schemas/stack.json"

// stackSchemaJSON is the JSON Schema for StackDefinition documents.
const stackSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://enact.dev/schemas/stack.json",
  "type": "object",
  "required": ["version", "processors"],
  "properties": {
    "version": { "const": 1 },
    "workflow_id": { "type": "string", "minLength": 1 },
    "run_id": { "$ref": "#/$defs/run_id" },
    "processors": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/processor" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "run_id": {
      "type": "object",
      "maxProperties": 1,
      "properties": {
        "property": { "type": "string", "minLength": 1 },
        "query": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "processor": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "pattern": "^[A-Za-z0-9_.-]+$"
        },
        "activities": {
          "type": "array",
          "uniqueItems": true,
          "items": { "type": "string", "minLength": 1 }
        },
        "layers": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/layer" }
        }
      },
      "additionalProperties": false
    },
    "layer": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["failover", "retry", "stop", "provenance", "invoke"]
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "retry" } }, "required": ["type"] },
          "then": { "properties": { "config": { "$ref": "#/$defs/retry_config" } } }
        },
        {
          "if": { "properties": { "type": { "const": "provenance" } }, "required": ["type"] },
          "then": { "properties": { "config": { "$ref": "#/$defs/provenance_config" } } }
        },
        {
          "if": { "properties": { "type": { "const": "invoke" } }, "required": ["type"] },
          "then": { "properties": { "config": { "$ref": "#/$defs/invoke_config" } } }
        },
        {
          "if": { "properties": { "type": { "enum": ["failover", "stop"] } }, "required": ["type"] },
          "then": { "properties": { "config": { "type": "object", "maxProperties": 0 } } }
        }
      ]
    },
    "retry_config": {
      "type": "object",
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "initial_delay_ms": { "type": "integer", "minimum": 0 },
        "max_delay_ms": { "type": "integer", "minimum": 0 },
        "backoff_factor": { "type": "number", "exclusiveMinimum": 0 },
        "retry_if": { "type": "string" }
      },
      "additionalProperties": false
    },
    "provenance_config": {
      "type": "object",
      "properties": {
        "workflow_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "invoke_config": {
      "type": "object",
      "properties": {
        "disable_tracing": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks stack definitions against the embedded JSON
// Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	stackSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the stack schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(stackSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal stack schema: %w", err)
	}
	if err := c.AddResource(stackSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add stack schema resource: %w", err)
	}

	compiled, err := c.Compile(stackSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile stack schema: %w", err)
	}
	return &JSONSchemaValidator{stackSchema: compiled}, nil
}

// ValidateDefinition validates a typed StackDefinition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.StackDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "stack definition is nil")
	}
	return v.ValidateDocument(def)
}

// ValidateDocument validates any JSON-compatible value, typically a YAML
// document decoded into maps before it is bound to StackDefinition.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize stack definition").WithCause(err)
	}
	if err := v.stackSchema.Validate(value); err != nil {
		return toEnactError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEnactError converts a jsonschema.ValidationError into an EnactError
// listing each violation with its instance location.
func toEnactError(err error) *schema.EnactError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
