package dispatch

import (
	"context"
	"fmt"

	"github.com/rendis/enact/internal/logging"
	"github.com/rendis/enact/pkg/schema"
)

// Stack is the immutable, ordered chain of layers owned by one processor.
// Index 0 is the top. Above and Below are position lookups into the chain:
// above the top sits the processor's Sink, below the bottom a terminus.
type Stack struct {
	processor string
	runtime   *Runtime
	ctx       context.Context
	layers    []Layer
	top       *sinkAdapter
	bottom    *terminus
}

// NewStack assembles layers, highest first, for processor. A nil sink
// discards everything leaving the top of the stack. Every layer instance
// may belong to a single stack.
func NewStack(ctx context.Context, processor string, rt *Runtime, sink Sink, layers ...Layer) (*Stack, error) {
	if rt == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatch stack requires a runtime")
	}
	if sink == nil {
		sink = discardSink{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Stack{
		processor: processor,
		runtime:   rt,
		ctx:       logging.WithProcessor(ctx, processor),
		layers:    make([]Layer, len(layers)),
		top:       &sinkAdapter{sink: sink},
		bottom:    &terminus{},
	}

	seen := make(map[Layer]bool, len(layers))
	for i, l := range layers {
		if l == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dispatch stack %s: layer %d is nil", processor, i)
		}
		if seen[l] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "dispatch stack %s: layer %s appears twice", processor, l.Name())
		}
		if b, ok := l.(interface{ Stack() *Stack }); ok && b.Stack() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "dispatch stack %s: layer %s already belongs to a stack", processor, l.Name())
		}
		seen[l] = true
		s.layers[i] = l
	}

	s.top.bind(s, -1)
	s.bottom.bind(s, len(layers))
	for i, l := range s.layers {
		l.bind(s, i)
	}
	return s, nil
}

// Processor returns the name of the owning processor.
func (s *Stack) Processor() string { return s.processor }

// Runtime returns the shared runtime.
func (s *Stack) Runtime() *Runtime { return s.runtime }

// Layers returns the layers, highest first.
func (s *Stack) Layers() []Layer { return append([]Layer(nil), s.layers...) }

// Layer returns the first layer with the given name.
func (s *Stack) Layer(name string) (Layer, bool) {
	for _, l := range s.layers {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Top returns the highest layer; for an empty stack that is the terminus.
func (s *Stack) Top() Layer { return s.at(0) }

// ReceiveJob sends job into the top of the stack.
func (s *Stack) ReceiveJob(job *Job) { s.Top().ReceiveJob(job) }

// ReceiveJobQueue sends queue into the top of the stack.
func (s *Stack) ReceiveJobQueue(queue *JobQueue) { s.Top().ReceiveJobQueue(queue) }

// FinishedWith tells every layer, top to bottom, that owner has finished.
func (s *Stack) FinishedWith(owner ProcessPath) {
	for _, l := range s.layers {
		l.FinishedWith(owner)
	}
}

func (s *Stack) String() string {
	names := make([]string, len(s.layers))
	for i, l := range s.layers {
		names[i] = l.Name()
	}
	return fmt.Sprintf("stack(%s %v)", s.processor, names)
}

func (s *Stack) at(pos int) Layer {
	switch {
	case pos < 0:
		return s.top
	case pos >= len(s.layers):
		return s.bottom
	default:
		return s.layers[pos]
	}
}

// DefaultLayers returns fresh layers in the default order: failover, retry,
// stop, provenance, invoke.
func DefaultLayers(retry RetryConfig) ([]Layer, error) {
	r := NewRetry()
	if err := r.Configure(retry); err != nil {
		return nil, err
	}
	return []Layer{NewFailover(), r, NewStop(), NewProvenance(), NewInvoke()}, nil
}
