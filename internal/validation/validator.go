package validation

import "github.com/rendis/enact/pkg/schema"

// Validator checks stack definitions before stacks are built from them.
type Validator interface {
	ValidateDefinition(def *schema.StackDefinition) error
}

// ActivityLookup reports whether an activity name is registered.
type ActivityLookup interface {
	Has(name string) bool
}
