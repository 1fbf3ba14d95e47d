// Package expressions wraps the two expression languages the dispatch stacks
// accept: expr for retry predicates and jq for run-id lookup queries.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
