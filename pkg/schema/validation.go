package schema

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a stack definition. Processor
// names the processor the issue belongs to and is empty for stack-wide issues.
type ValidationIssue struct {
	Path      string             `json:"path"`
	Processor string             `json:"processor,omitempty"`
	Code      string             `json:"code"`
	Message   string             `json:"message"`
	Severity  ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// ValidationResult collects the issues of one stack definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings never make a stack
// definition unusable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a stack-wide error.
func (r *ValidationResult) AddError(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddWarning records a stack-wide warning.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

func (r *ValidationResult) add(is ValidationIssue) {
	if is.Severity == SeverityError {
		r.Errors = append(r.Errors, is)
		return
	}
	r.Warnings = append(r.Warnings, is)
}

// Processor returns a scope whose issues are filed under processors[index]
// and tagged with the processor name.
func (r *ValidationResult) Processor(index int, name string) *ProcessorIssues {
	return &ProcessorIssues{
		result: r,
		prefix: fmt.Sprintf("processors[%d]", index),
		name:   name,
	}
}

// ProcessorIssues records issues of a single processor definition.
type ProcessorIssues struct {
	result *ValidationResult
	prefix string
	name   string
}

// Path joins a processor-relative path such as "layers[1].type" onto the
// processor's own path.
func (p *ProcessorIssues) Path(rel string) string {
	if rel == "" {
		return p.prefix
	}
	if strings.HasPrefix(rel, "[") {
		return p.prefix + rel
	}
	return p.prefix + "." + rel
}

func (p *ProcessorIssues) Error(rel, code, message string) {
	p.result.add(ValidationIssue{
		Path: p.Path(rel), Processor: p.name, Code: code, Message: message, Severity: SeverityError,
	})
}

func (p *ProcessorIssues) Warning(rel, code, message string) {
	p.result.add(ValidationIssue{
		Path: p.Path(rel), Processor: p.name, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors then warnings, each group ordered by path.
func (r *ValidationResult) Issues() []ValidationIssue {
	byPath := func(a, b ValidationIssue) int { return strings.Compare(a.Path, b.Path) }
	errs := slices.Clone(r.Errors)
	warns := slices.Clone(r.Warnings)
	slices.SortStableFunc(errs, byPath)
	slices.SortStableFunc(warns, byPath)
	return append(errs, warns...)
}

// ByProcessor groups the issues by processor name. Stack-wide issues are
// grouped under the empty name.
func (r *ValidationResult) ByProcessor() map[string]*ValidationResult {
	out := make(map[string]*ValidationResult)
	for _, is := range r.Issues() {
		g, ok := out[is.Processor]
		if !ok {
			g = &ValidationResult{}
			out[is.Processor] = g
		}
		g.add(is)
	}
	return out
}

// FailingProcessors returns the sorted names of processors with at least one
// error.
func (r *ValidationResult) FailingProcessors() []string {
	var names []string
	for _, is := range r.Errors {
		if is.Processor != "" && !slices.Contains(names, is.Processor) {
			names = append(names, is.Processor)
		}
	}
	slices.Sort(names)
	return names
}

// ToError converts the result to an EnactError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	details := map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	}
	if names := r.FailingProcessors(); len(names) > 0 {
		details["processors"] = names
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
