package validation

import (
	"github.com/rendis/enact/internal/expressions"
	"github.com/rendis/enact/pkg/schema"
)

// StackValidator runs the two-stage validation pipeline for stack definitions:
// 1. Structural (JSON Schema)
// 2. Semantic (processor names, activities, layer order, expressions)
type StackValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewStackValidator creates a StackValidator.
// lookup may be nil to skip activity existence checks.
func NewStackValidator(lookup ActivityLookup) (*StackValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &StackValidator{
		jsonSchema: jsv,
		semantic: &semanticChecker{
			activities: lookup,
			exprs:      expressions.NewExprEngine(),
			jq:         expressions.NewGoJQEngine(),
		},
	}, nil
}

// Validate runs both stages and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (sv *StackValidator) Validate(def *schema.StackDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "stack definition is nil")
		return r
	}

	result := structural(sv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}
	result.Merge(sv.semantic.validateSemantic(def))
	return result
}

// ValidateDocument runs the structural stage on an undecoded document.
func (sv *StackValidator) ValidateDocument(doc any) *schema.ValidationResult {
	return structural(sv.jsonSchema.ValidateDocument(doc))
}

// ValidateDefinition satisfies the Validator interface.
func (sv *StackValidator) ValidateDefinition(def *schema.StackDefinition) error {
	return sv.Validate(def).ToError()
}

// structural converts a JSON Schema error into a ValidationResult, one issue
// per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	enErr, ok := err.(*schema.EnactError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := enErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, enErr.Message)
	return result
}
