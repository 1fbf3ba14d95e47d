// Package builtin provides the activities enactd registers by default.
// Every builtin reads its parameters from input handles, registers its
// outputs with the invocation's reference service and reports the result
// as a single complete outcome.
package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/expressions"
	"github.com/rendis/enact/internal/reference"
	"github.com/rendis/enact/pkg/schema"
)

// Config configures the builtin activities.
type Config struct {
	HTTP HTTPConfig `json:"http"`
}

// Activities returns every builtin activity.
func Activities(cfg Config) []activity.Activity {
	exprs := expressions.NewExprEngine()
	return []activity.Activity{
		NewHashActivity(),
		NewEvalActivity(exprs),
		NewHTTPGetActivity(cfg.HTTP),
	}
}

// workFunc computes the outputs of one invocation from resolved inputs.
type workFunc func(ctx context.Context, in inputs) (map[string]any, error)

// Activity is the common shape of every activity in this package.
type Activity struct {
	activity.Base
	work workFunc
}

func newActivity(name string, in, out []string, work workFunc) *Activity {
	b := &Activity{
		Base: activity.Base{
			ActivityName: name,
			Inputs:       make(map[string]string, len(in)),
			Outputs:      make(map[string]string, len(out)),
		},
		work: work,
	}
	for _, p := range in {
		b.Inputs[p] = p
	}
	for _, p := range out {
		b.Outputs[p] = p
		b.Ports = append(b.Ports, activity.OutputPort{Name: p})
	}
	return b
}

func (b *Activity) ExecuteAsync(_ context.Context, handles map[string]reference.Handle, inv *activity.Invocation) {
	inv.RequestRun(func(ctx context.Context) error {
		in := inputs{ctx: ctx, inv: inv, handles: handles}
		values, err := b.work(ctx, in)
		if err != nil {
			inv.Fail(fmt.Sprintf("%s: %v", b.Name(), err), err, classify(err))
			return nil
		}

		out := make(map[string]reference.Handle, len(values))
		for port, v := range values {
			h, regErr := inv.References().Register(ctx, v, 0, inv.ReferenceContext())
			if regErr != nil {
				inv.Fail(fmt.Sprintf("%s: register %s", b.Name(), port), regErr, activity.ClassInvocation)
				return nil
			}
			out[port] = h
		}
		inv.ReceiveResult(out, nil)
		return nil
	})
}

// classify maps validation errors to data failures; everything else is an
// invocation failure and therefore retryable.
func classify(err error) activity.Classification {
	var enErr *schema.EnactError
	if errors.As(err, &enErr) {
		switch enErr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeExpression:
			return activity.ClassData
		}
	}
	return activity.ClassInvocation
}

// inputs resolves input handles on demand.
type inputs struct {
	ctx     context.Context
	inv     *activity.Invocation
	handles map[string]reference.Handle
}

// value resolves port. ok is false when the port was not supplied.
func (in inputs) value(port string) (any, bool, error) {
	h, ok := in.handles[port]
	if !ok {
		return nil, false, nil
	}
	v, err := in.inv.References().Resolve(in.ctx, h, in.inv.ReferenceContext())
	if err != nil {
		return nil, true, fmt.Errorf("resolve %s: %w", port, err)
	}
	return v, true, nil
}

// text resolves port as a string. A missing port yields def, or a
// validation error when def is empty.
func (in inputs) text(port, def string) (string, error) {
	v, ok, err := in.value(port)
	if err != nil {
		return "", err
	}
	if !ok {
		if def == "" {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "missing required input %q", port)
		}
		return def, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "input %q must be a string, got %T", port, v)
	}
	return s, nil
}
var _ activity.Async = (*Activity)(nil)
