package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/logging"
	"github.com/rendis/enact/internal/reference"
	"github.com/rendis/enact/pkg/schema"
)

// InvokeConfig configures an Invoke layer.
type InvokeConfig struct {
	// DisableTracing turns off the span recorded per invocation.
	DisableTracing bool `json:"disable_tracing,omitempty" yaml:"disable_tracing,omitempty"`
}

// Invoke is the bottom layer. It runs the first asynchronously invocable
// candidate of each Job and turns what the activity reports into Results,
// Completions and Failures sent upward. Each invocation gets its own nested
// process path and monitor node.
type Invoke struct {
	Base
	mu     sync.RWMutex
	config InvokeConfig
}

// NewInvoke creates an Invoke layer.
func NewInvoke() *Invoke { return &Invoke{} }

func (l *Invoke) Name() string { return LayerInvoke }

func (l *Invoke) Configure(cfg InvokeConfig) error {
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return nil
}

func (l *Invoke) Configuration() InvokeConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Invoke) ReceiveJob(job *Job) {
	for _, c := range job.Activities {
		async, ok := c.Async()
		if !ok {
			l.logger().Debug("skipping activity without async support", slog.String("activity", c.Name()))
			continue
		}
		l.invoke(job, c, async)
		return
	}
	l.Above().ReceiveFailure(&Failure{
		Process: job.Process,
		Index:   job.Index,
		Context: job.Context,
		Message: "no asynchronously invocable activity",
		Cause:   schema.NewErrorf(schema.ErrCodeValidation, "job %s has %d candidate activities, none invocable", job, len(job.Activities)),
		Class:   activity.ClassDataflow,
	})
}

func (l *Invoke) ReceiveJobQueue(queue *JobQueue) {
	for _, job := range queue.Jobs {
		l.ReceiveJob(job)
	}
}

// invocation is the bookkeeping of one running activity invocation.
type invocation struct {
	job        *Job
	candidate  *activity.Candidate
	async      activity.Async
	process    ProcessPath
	path       []string
	inv        *activity.Invocation
	span       trace.Span
	started    time.Time
	resultSent bool
	released   bool
}

func (l *Invoke) invoke(job *Job, c *activity.Candidate, async activity.Async) {
	rt := l.Runtime()
	process := job.Process.Push(rt.Counter.Segment())
	path := process.Segments()
	rt.Monitor.RegisterNode(c.Activity, path, nil)

	ctx := logging.WithProcess(l.ctx(), string(process))
	span := trace.SpanFromContext(context.Background())
	if !l.Configuration().DisableTracing {
		ctx, span = rt.Tracer.Start(ctx, "dispatch.invoke", trace.WithAttributes(
			attribute.String("enact.processor", l.Stack().Processor()),
			attribute.String("enact.activity", c.Name()),
			attribute.String("enact.process", string(process)),
			attribute.String("enact.index", job.Index.String()),
		))
	}

	st := &invocation{
		job:       job,
		candidate: c,
		async:     async,
		process:   process,
		path:      path,
		span:      span,
		started:   time.Now(),
	}
	st.inv = activity.NewInvocation(string(process), rt.References, job.Context, func(name string, task func(context.Context) error) {
		err := rt.Pool.Submit(ctx, name, task, func(err error) {
			st.inv.Fail(err.Error(), err, activity.ClassInvocation)
		})
		if err != nil {
			st.inv.Fail("no worker available", err, activity.ClassInvocation)
		}
	})

	rt.Metrics.invocationStarted()
	go l.pump(ctx, st)

	inputs := mapInputs(job.Data, async.InputMapping())
	l.execute(ctx, st, inputs)
}

// execute calls into the activity; a panic escaping it is a failure of the
// invocation.
func (l *Invoke) execute(ctx context.Context, st *invocation, inputs map[string]reference.Handle) {
	defer func() {
		if r := recover(); r != nil {
			err := schema.NewErrorf(schema.ErrCodeInvocation, "activity %s panicked: %v", st.candidate.Name(), r)
			st.inv.Fail(err.Message, err, activity.ClassInvocation)
		}
	}()

	if m, ok := st.candidate.Monitorable(); ok {
		props := m.ExecuteAsyncWithMonitoring(ctx, inputs, st.inv)
		if len(props) > 0 {
			l.Runtime().Monitor.AddProperties(st.path, props)
		}
		return
	}
	st.async.ExecuteAsync(ctx, inputs, st.inv)
}

// pump forwards the outcomes of one invocation upward until the invocation
// is over or the runtime shuts down.
func (l *Invoke) pump(ctx context.Context, st *invocation) {
	for {
		select {
		case o := <-st.inv.Outcomes():
			if l.handle(ctx, st, o) {
				l.finish(st, outcomeLabel(o), nil)
				return
			}
		case <-l.Runtime().Done():
			l.finish(st, "shutdown", schema.NewError(schema.ErrCodeCancelled, "runtime closed"))
			return
		}
	}
}

// handle processes one outcome and reports whether the invocation is over.
func (l *Invoke) handle(ctx context.Context, st *invocation, o activity.Outcome) bool {
	switch o.Kind {
	case activity.OutcomeResult:
		return l.result(st, o.Data, o.Index)

	case activity.OutcomeCompletion:
		if !st.resultSent {
			data, err := l.emptyOutputs(ctx, st)
			if err != nil {
				l.fail(st, "cannot register empty output lists", err, activity.ClassData)
				return true
			}
			return l.result(st, data, nil)
		}
		if len(o.Index) == 0 {
			l.release(st)
		}
		l.Above().ReceiveCompletion(&Completion{
			Process: st.job.Process,
			Index:   st.job.Index.Concat(o.Index),
			Context: st.job.Context,
		})
		return len(o.Index) == 0

	case activity.OutcomeFailure:
		l.fail(st, o.Message, o.Cause, o.Class)
		return true
	}
	return false
}

func (l *Invoke) result(st *invocation, data map[string]reference.Handle, streamIndex Index) bool {
	final := len(streamIndex) == 0
	index := st.job.Index
	if !final {
		index = st.job.Index.Concat(streamIndex)
	}
	st.resultSent = true
	if final {
		l.release(st)
	}
	l.Above().ReceiveResult(&Result{
		Process:   st.job.Process,
		Index:     index,
		Context:   st.job.Context,
		Data:      mapOutputs(data, st.async.OutputMapping()),
		Streaming: !final,
	})
	return final
}

func (l *Invoke) fail(st *invocation, message string, cause error, class activity.Classification) {
	if class == "" {
		class = activity.ClassInvocation
	}
	l.release(st)
	l.Above().ReceiveFailure(&Failure{
		Process:  st.job.Process,
		Index:    st.job.Index,
		Context:  st.job.Context,
		Message:  message,
		Cause:    cause,
		Class:    class,
		Activity: st.candidate,
	})
}

// emptyOutputs registers an empty list of the declared depth for every
// output port so an invocation that streamed nothing still yields a result.
func (l *Invoke) emptyOutputs(ctx context.Context, st *invocation) (map[string]reference.Handle, error) {
	ports := st.async.OutputPorts()
	data := make(map[string]reference.Handle, len(ports))
	for _, port := range ports {
		h, err := l.Runtime().References.RegisterEmptyList(ctx, port.Depth, st.job.Context)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", port.Name, err)
		}
		data[port.Name] = h
	}
	return data, nil
}

// release deregisters the monitor node once.
func (l *Invoke) release(st *invocation) {
	if st.released {
		return
	}
	st.released = true
	l.Runtime().Monitor.DeregisterNode(st.path)
}

func (l *Invoke) finish(st *invocation, outcome string, err error) {
	l.release(st)
	st.inv.Close()
	l.Runtime().Metrics.invocationFinished(st.candidate.Name(), outcome)
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
	} else if outcome == "failure" {
		st.span.SetStatus(codes.Error, "activity failed")
	}
	st.span.SetAttributes(attribute.Int64("enact.duration_ms", time.Since(st.started).Milliseconds()))
	st.span.End()
}

func outcomeLabel(o activity.Outcome) string {
	return o.Kind.String()
}

// mapInputs renames processor ports to activity ports. Unmapped ports are
// dropped.
func mapInputs(data map[string]reference.Handle, mapping map[string]string) map[string]reference.Handle {
	out := make(map[string]reference.Handle, len(data))
	for port, h := range data {
		if target, ok := mapping[port]; ok {
			out[target] = h
		}
	}
	return out
}

// mapOutputs renames activity ports to processor ports. Unmapped ports are
// dropped.
func mapOutputs(data map[string]reference.Handle, mapping map[string]string) map[string]reference.Handle {
	return mapInputs(data, mapping)
}

var _ Layer = (*Invoke)(nil)
