package dispatch

import (
	"context"
	"log/slog"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/logging"
	"github.com/rendis/enact/pkg/schema"
)

// Layer names used in stack definitions and logs.
const (
	LayerFailover   = "failover"
	LayerRetry      = "retry"
	LayerStop       = "stop"
	LayerProvenance = "provenance"
	LayerInvoke     = "invoke"
)

// Layer is one stage of a dispatch stack. Jobs travel down (ReceiveJob,
// ReceiveJobQueue); results, completions and failures travel up. Layers are
// bound to a Stack exactly once, when the stack is assembled, and every
// method may be called concurrently from any goroutine.
//
// Layers embed Base, which supplies pass-through defaults and the binding.
type Layer interface {
	Name() string
	ReceiveJob(job *Job)
	ReceiveJobQueue(queue *JobQueue)
	ReceiveResult(result *Result)
	ReceiveCompletion(completion *Completion)
	ReceiveFailure(failure *Failure)
	// FinishedWith releases state held for owner and anything nested in it.
	FinishedWith(owner ProcessPath)

	bind(s *Stack, pos int)
}

// Base provides neighbor access and pass-through behavior for every event.
type Base struct {
	stack *Stack
	pos   int
}

func (b *Base) bind(s *Stack, pos int) {
	b.stack = s
	b.pos = pos
}

// Stack returns the stack the layer is bound to.
func (b *Base) Stack() *Stack { return b.stack }

// Runtime returns the shared runtime of the stack.
func (b *Base) Runtime() *Runtime { return b.stack.runtime }

// Above returns the layer above this one, the stack's sink adapter for the
// top layer.
func (b *Base) Above() Layer { return b.stack.at(b.pos - 1) }

// Below returns the layer below this one, the stack terminus for the
// bottom layer.
func (b *Base) Below() Layer { return b.stack.at(b.pos + 1) }

func (b *Base) ctx() context.Context { return b.stack.ctx }

func (b *Base) logger() *slog.Logger {
	return logging.LogWith(b.stack.ctx, b.stack.runtime.Logger)
}

func (b *Base) ReceiveJob(job *Job)             { b.Below().ReceiveJob(job) }
func (b *Base) ReceiveJobQueue(queue *JobQueue) { b.Below().ReceiveJobQueue(queue) }
func (b *Base) ReceiveResult(result *Result)    { b.Above().ReceiveResult(result) }
func (b *Base) ReceiveCompletion(c *Completion) { b.Above().ReceiveCompletion(c) }
func (b *Base) ReceiveFailure(failure *Failure) { b.Above().ReceiveFailure(failure) }
func (b *Base) FinishedWith(ProcessPath)        {}

// Sink receives whatever leaves the top of a stack, normally the processor
// owning it.
type Sink interface {
	ReceiveResult(result *Result)
	ReceiveCompletion(completion *Completion)
	ReceiveFailure(failure *Failure)
}

// sinkAdapter sits above the top layer and hands upward events to the Sink.
type sinkAdapter struct {
	Base
	sink Sink
}

func (a *sinkAdapter) Name() string { return "sink" }

func (a *sinkAdapter) ReceiveJob(job *Job) {
	a.logger().Error("job sent above the top of the stack", slog.String("job", job.String()))
}

func (a *sinkAdapter) ReceiveJobQueue(queue *JobQueue) {
	a.logger().Error("job queue sent above the top of the stack", slog.String("process", string(queue.Process)))
}

func (a *sinkAdapter) ReceiveResult(r *Result)         { a.sink.ReceiveResult(r) }
func (a *sinkAdapter) ReceiveCompletion(c *Completion) { a.sink.ReceiveCompletion(c) }

// ReceiveFailure counts the failure as leaving the stack before handing it on.
func (a *sinkAdapter) ReceiveFailure(f *Failure) {
	a.Runtime().Metrics.failure(f.Class)
	a.sink.ReceiveFailure(f)
}

// terminus sits below the bottom layer. A job reaching it was consumed by
// no layer and is turned into a dataflow failure.
type terminus struct {
	Base
}

func (t *terminus) Name() string { return "terminus" }

func (t *terminus) ReceiveJob(job *Job) {
	t.Above().ReceiveFailure(&Failure{
		Process: job.Process,
		Index:   job.Index,
		Context: job.Context,
		Message: "no layer consumed the job",
		Cause:   schema.NewError(schema.ErrCodeInternal, "dispatch stack has no invoke layer"),
		Class:   activity.ClassDataflow,
	})
}

func (t *terminus) ReceiveJobQueue(queue *JobQueue) {
	for _, job := range queue.Jobs {
		t.ReceiveJob(job)
	}
}

func (t *terminus) ReceiveResult(*Result)         {}
func (t *terminus) ReceiveCompletion(*Completion) {}
func (t *terminus) ReceiveFailure(*Failure)       {}

type discardSink struct{}

func (discardSink) ReceiveResult(*Result)         {}
func (discardSink) ReceiveCompletion(*Completion) {}
func (discardSink) ReceiveFailure(*Failure)       {}
