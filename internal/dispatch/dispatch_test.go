package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/internal/activity"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/reference"
)

func TestDefaultStack_FailoverRetryAndProvenance(t *testing.T) {
	mem := provenance.NewMemorySink()
	refs := reference.NewMemoryService()
	rt, sched := newTestRuntime(t, WithProvenance(mem), WithReferences(refs))
	sink := &recordingSink{}

	layers, err := DefaultLayers(RetryConfig{MaxRetries: 1, InitialDelayMs: 100, MaxDelayMs: 100, BackoffFactor: 1})
	require.NoError(t, err)
	s := newTestStack(t, rt, sink, layers...)

	var primaryCalls atomic.Int32
	primary := activity.NewFunc("primary", []string{"in"}, []activity.OutputPort{{Name: "out"}},
		func(context.Context, map[string]reference.Handle, *activity.Invocation) (map[string]reference.Handle, error) {
			primaryCalls.Add(1)
			return nil, errors.New("primary offline")
		})
	mirror := activity.NewFunc("mirror", []string{"in"}, []activity.OutputPort{{Name: "out"}},
		func(ctx context.Context, inputs map[string]reference.Handle, inv *activity.Invocation) (map[string]reference.Handle, error) {
			h, err := inv.References().Register(ctx, "hit:"+string(inputs["in"]), 0, inv.ReferenceContext())
			if err != nil {
				return nil, err
			}
			return map[string]reference.Handle{"out": h}, nil
		})

	s.ReceiveJob(newJob("facade0:wf:blast", Index{0}, runContext("run-1"), primary, mirror))

	// Failover sits above retry, so the primary is retried before the
	// mirror is tried.
	eventually(t, func() bool { return sched.Pending() == 1 }, "primary retry scheduled")
	sched.Advance(100 * time.Millisecond)

	eventually(t, func() bool { return len(sink.Results()) == 1 }, "result from mirror")
	assert.Empty(t, sink.Failures())
	assert.Equal(t, int32(2), primaryCalls.Load())
	assert.Zero(t, sched.Pending())

	v, err := refs.Resolve(context.Background(), sink.Results()[0].Data["out"], nil)
	require.NoError(t, err)
	assert.Equal(t, "hit:ref:input", v)

	eventually(t, func() bool { return len(mem.OfKind(provenance.KindOutputData)) == 1 }, "output node")
	assert.Len(t, mem.OfKind(provenance.KindError), 2, "both primary failures recorded")
	assert.Len(t, mem.OfKind(provenance.KindIteration), 1)

	failover, _ := s.Layer(LayerFailover)
	retry, _ := s.Layer(LayerRetry)
	assert.Zero(t, failover.(*Failover).Pending())
	assert.Zero(t, retry.(*Retry).Pending())
}

func TestDefaultStack_AllCandidatesFailThenRetry(t *testing.T) {
	rt, sched := newTestRuntime(t)
	sink := &recordingSink{}
	layers, err := DefaultLayers(RetryConfig{MaxRetries: 2, InitialDelayMs: 100, MaxDelayMs: 1000, BackoffFactor: 3})
	require.NoError(t, err)
	s := newTestStack(t, rt, sink, layers...)

	var calls atomic.Int32
	failing := func(name string) activity.Activity {
		return activity.NewFunc(name, nil, nil,
			func(context.Context, map[string]reference.Handle, *activity.Invocation) (map[string]reference.Handle, error) {
				calls.Add(1)
				return nil, errors.New(name + " down")
			})
	}
	s.ReceiveJob(newJob("wf:p", nil, nil, failing("a"), failing("b")))

	steps := []struct {
		calls int32
		delay time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{4, 100 * time.Millisecond},
		{5, 300 * time.Millisecond},
	}
	for _, step := range steps {
		eventually(t, func() bool { return sched.Pending() == 1 && calls.Load() == step.calls }, "retry scheduled")
		sched.Advance(step.delay)
	}

	eventually(t, func() bool { return len(sink.Failures()) == 1 }, "failure after retries")
	assert.Equal(t, int32(6), calls.Load())
	f := sink.Failures()[0]
	assert.Equal(t, "b", f.Activity.Name())
	assert.Equal(t, activity.ClassInvocation, f.Class)
}

func TestDefaultStack_CancelledRunProducesNothing(t *testing.T) {
	rt, _ := newTestRuntime(t)
	sink := &recordingSink{}
	layers, err := DefaultLayers(DefaultRetryConfig())
	require.NoError(t, err)
	s := newTestStack(t, rt, sink, layers...)

	var ran atomic.Bool
	act := activity.NewFunc("work", nil, nil,
		func(context.Context, map[string]reference.Handle, *activity.Invocation) (map[string]reference.Handle, error) {
			ran.Store(true)
			return map[string]reference.Handle{}, nil
		})

	require.True(t, rt.Runs.Cancel("run-x"))
	s.ReceiveJob(newJob("wf:p", nil, runContext("run-x"), act))
	rt.Pool.Wait()

	assert.False(t, ran.Load())
	assert.Empty(t, sink.Results())
	assert.Empty(t, sink.Failures())
}
