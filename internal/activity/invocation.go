package activity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/enact/internal/reference"
)

// OutcomeKind discriminates the outcomes an activity reports.
type OutcomeKind int

const (
	OutcomeResult OutcomeKind = iota
	OutcomeCompletion
	OutcomeFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResult:
		return "result"
	case OutcomeCompletion:
		return "completion"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is one message on an invocation's result channel.
type Outcome struct {
	Kind    OutcomeKind
	Data    map[string]reference.Handle
	Index   []int
	Message string
	Cause   error
	Class   Classification
}

// RunFunc starts task on a named worker. Faults escaping task, panics
// included, must be reported back through Fail.
type RunFunc func(name string, task func(ctx context.Context) error)

const outcomeBuffer = 16

// Invocation is the channel through which one activity invocation reports
// streamed results, completion and failure back to the dispatch pipeline.
// Outcomes sent after the invoker closed the invocation are discarded.
type Invocation struct {
	process    string
	references reference.Service
	refContext *reference.Context
	run        RunFunc

	out       chan Outcome
	done      chan struct{}
	closeOnce sync.Once
	workers   atomic.Int64
}

// NewInvocation creates an invocation for the given nested process path.
func NewInvocation(process string, refs reference.Service, rc *reference.Context, run RunFunc) *Invocation {
	return &Invocation{
		process:    process,
		references: refs,
		refContext: rc,
		run:        run,
		out:        make(chan Outcome, outcomeBuffer),
		done:       make(chan struct{}),
	}
}

// Process returns the owning process path allocated to this invocation.
func (inv *Invocation) Process() string { return inv.process }

// References returns the reference service activities register outputs with.
func (inv *Invocation) References() reference.Service { return inv.references }

// ReferenceContext returns the reference context of the job being invoked.
func (inv *Invocation) ReferenceContext() *reference.Context { return inv.refContext }

// ReceiveResult reports output data. An empty index means the complete
// result; a non-empty index is one streamed element relative to the job.
func (inv *Invocation) ReceiveResult(data map[string]reference.Handle, index []int) {
	inv.send(Outcome{Kind: OutcomeResult, Data: data, Index: index})
}

// ReceiveCompletion reports that no more results will arrive under index.
func (inv *Invocation) ReceiveCompletion(index []int) {
	inv.send(Outcome{Kind: OutcomeCompletion, Index: index})
}

// Fail reports that the invocation failed.
func (inv *Invocation) Fail(message string, cause error, class Classification) {
	if class == "" {
		class = ClassInvocation
	}
	inv.send(Outcome{Kind: OutcomeFailure, Message: message, Cause: cause, Class: class})
}

// RequestRun asks for a dedicated, uniquely named worker to run task.
func (inv *Invocation) RequestRun(task func(ctx context.Context) error) {
	n := inv.workers.Add(1)
	name := fmt.Sprintf("%s-worker-%d", inv.process, n)
	if inv.run == nil {
		go func() {
			if err := task(context.Background()); err != nil {
				inv.Fail(err.Error(), err, ClassInvocation)
			}
		}()
		return
	}
	inv.run(name, task)
}

// Outcomes is read by the invoker.
func (inv *Invocation) Outcomes() <-chan Outcome { return inv.out }

// Done is closed once the invoker has stopped reading outcomes.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Close stops delivery. Safe to call more than once.
func (inv *Invocation) Close() {
	inv.closeOnce.Do(func() { close(inv.done) })
}

func (inv *Invocation) send(o Outcome) {
	select {
	case <-inv.done:
		return
	default:
	}
	select {
	case inv.out <- o:
	case <-inv.done:
	}
}
