package builtin

import (
	"context"

	"github.com/rendis/enact/internal/expressions"
)

// NewEvalActivity returns "expr.eval": evaluates the "expression" input with
// the "data" input bound to data and the run properties bound to context.
func NewEvalActivity(engine *expressions.ExprEngine) *Activity {
	return newActivity("expr.eval", []string{"expression", "data"}, []string{"result"},
		func(ctx context.Context, in inputs) (map[string]any, error) {
			expression, err := in.text("expression", "")
			if err != nil {
				return nil, err
			}
			scope := map[string]any{"context": map[string]any{}}
			if rc := in.inv.ReferenceContext(); rc != nil && rc.Properties != nil {
				scope["context"] = rc.Properties
			}
			data, ok, err := in.value("data")
			if err != nil {
				return nil, err
			}
			if ok {
				scope["data"] = data
			}

			result, err := engine.Evaluate(ctx, expression, scope)
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": result}, nil
		})
}
