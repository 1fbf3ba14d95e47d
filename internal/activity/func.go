package activity

import (
	"context"

	"github.com/rendis/enact/internal/reference"
)

// WorkFunc performs the work of a Func activity on a dedicated worker.
type WorkFunc func(ctx context.Context, inputs map[string]reference.Handle, inv *Invocation) (map[string]reference.Handle, error)

// Func adapts a plain function into an Async activity. The function runs on
// a worker requested through the invocation and its output is reported as
// the complete, non-streamed result.
type Func struct {
	Base
	Work WorkFunc
}

// NewFunc builds a Func activity with identity port mappings for the given
// input and output ports.
func NewFunc(name string, inputs []string, outputs []OutputPort, work WorkFunc) *Func {
	f := &Func{
		Base: Base{
			ActivityName: name,
			Inputs:       make(map[string]string, len(inputs)),
			Outputs:      make(map[string]string, len(outputs)),
			Ports:        outputs,
		},
		Work: work,
	}
	for _, in := range inputs {
		f.Inputs[in] = in
	}
	for _, out := range outputs {
		f.Outputs[out.Name] = out.Name
	}
	return f
}

func (f *Func) ExecuteAsync(_ context.Context, inputs map[string]reference.Handle, inv *Invocation) {
	inv.RequestRun(func(ctx context.Context) error {
		out, err := f.Work(ctx, inputs, inv)
		if err != nil {
			return err
		}
		inv.ReceiveResult(out, nil)
		return nil
	})
}

var _ Async = (*Func)(nil)
