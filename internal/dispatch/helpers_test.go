package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/reference"
)

const waitFor = 2 * time.Second

// recordingSink collects everything leaving the top of a stack.
type recordingSink struct {
	mu          sync.Mutex
	results     []*Result
	completions []*Completion
	failures    []*Failure
}

func (s *recordingSink) ReceiveResult(r *Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *recordingSink) ReceiveCompletion(c *Completion) {
	s.mu.Lock()
	s.completions = append(s.completions, c)
	s.mu.Unlock()
}

func (s *recordingSink) ReceiveFailure(f *Failure) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
}

func (s *recordingSink) Results() []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Result(nil), s.results...)
}

func (s *recordingSink) Completions() []*Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Completion(nil), s.completions...)
}

func (s *recordingSink) Failures() []*Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Failure(nil), s.failures...)
}

// jobRecorder is a bottom layer that records the jobs reaching it and
// optionally reacts to each one.
type jobRecorder struct {
	Base
	mu    sync.Mutex
	jobs  []*Job
	react func(r *jobRecorder, job *Job)
}

func (r *jobRecorder) Name() string { return "recorder" }

func (r *jobRecorder) ReceiveJob(job *Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.react != nil {
		r.react(r, job)
	}
}

func (r *jobRecorder) Jobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Job(nil), r.jobs...)
}

// failAll makes a jobRecorder fail every job with its first candidate.
func failAll(r *jobRecorder, job *Job) {
	var c *activity.Candidate
	if len(job.Activities) > 0 {
		c = job.Activities[0]
	}
	r.Above().ReceiveFailure(&Failure{
		Process:  job.Process,
		Index:    job.Index,
		Context:  job.Context,
		Message:  "boom",
		Class:    activity.ClassInvocation,
		Activity: c,
	})
}

// succeedAll makes a jobRecorder answer every job with a final result.
func succeedAll(r *jobRecorder, job *Job) {
	r.Above().ReceiveResult(&Result{
		Process: job.Process,
		Index:   job.Index,
		Context: job.Context,
		Data:    map[string]reference.Handle{"out": "ref:done"},
	})
}

// scripted is an async activity whose behavior is a test closure.
type scripted struct {
	activity.Base
	run func(ctx context.Context, inputs map[string]reference.Handle, inv *activity.Invocation)
}

func (s *scripted) ExecuteAsync(ctx context.Context, inputs map[string]reference.Handle, inv *activity.Invocation) {
	s.run(ctx, inputs, inv)
}

func newScripted(name string, ports []activity.OutputPort, run func(context.Context, map[string]reference.Handle, *activity.Invocation)) *scripted {
	s := &scripted{run: run}
	s.ActivityName = name
	s.Inputs = map[string]string{"in": "in"}
	s.Outputs = map[string]string{}
	for _, p := range ports {
		s.Outputs[p.Name] = p.Name
	}
	s.Ports = ports
	return s
}

// syncOnly is an activity without asynchronous invocation.
type syncOnly struct {
	activity.Base
}

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, *ManualScheduler) {
	t.Helper()
	sched := NewManualScheduler()
	rt := NewRuntime(append([]Option{WithScheduler(sched)}, opts...)...)
	t.Cleanup(rt.Close)
	return rt, sched
}

func newTestStack(t *testing.T, rt *Runtime, sink Sink, layers ...Layer) *Stack {
	t.Helper()
	s, err := NewStack(context.Background(), "blast", rt, sink, layers...)
	require.NoError(t, err)
	return s
}

func runContext(runID string) *reference.Context {
	return reference.NewContext(map[string]any{DefaultRunIDKey: runID})
}

func newJob(process ProcessPath, index Index, rc *reference.Context, acts ...activity.Activity) *Job {
	return &Job{
		Process:    process,
		Index:      index,
		Context:    rc,
		Data:       map[string]reference.Handle{"in": "ref:input"},
		Activities: activity.Compile(acts...),
	}
}

func activityNames(jobs []*Job) [][]string {
	out := make([][]string, len(jobs))
	for i, j := range jobs {
		for _, c := range j.Activities {
			out[i] = append(out[i], c.Name())
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, waitFor, 5*time.Millisecond, msg)
}
