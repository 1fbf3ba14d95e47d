package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/enact/pkg/schema"
)

func TestStop_PauseResumeOrdering(t *testing.T) {
	rt, _ := newTestRuntime(t)
	bottom := &jobRecorder{}
	s := newTestStack(t, rt, nil, NewStop(), bottom)

	require.True(t, rt.Runs.Pause("run1"))
	j1 := newJob("wf:blast", Index{1}, runContext("run1"))
	j2 := newJob("wf:blast", Index{2}, runContext("run1"))
	s.ReceiveJob(j1)
	s.ReceiveJob(j2)
	assert.Empty(t, bottom.Jobs())

	st := rt.Runs.Status("run1")
	assert.Equal(t, schema.RunStatePaused, st.State)
	assert.Equal(t, 2, st.Buffered)
	assert.Equal(t, 1, st.Affected)

	require.True(t, rt.Runs.Resume("run1"))
	require.Len(t, bottom.Jobs(), 2)
	assert.Same(t, j1, bottom.Jobs()[0])
	assert.Same(t, j2, bottom.Jobs()[1])

	assert.False(t, rt.Runs.Resume("run1"), "second resume is a no-op")
	assert.Len(t, bottom.Jobs(), 2, "jobs are replayed exactly once")
	assert.Equal(t, schema.RunStateRunning, rt.Runs.Status("run1").State)
}

func TestStop_CancelPrecedence(t *testing.T) {
	rt, _ := newTestRuntime(t)
	bottom := &jobRecorder{}
	sink := &recordingSink{}
	s := newTestStack(t, rt, sink, NewStop(), bottom)

	require.True(t, rt.Runs.Pause("run1"))
	s.ReceiveJob(newJob("wf:blast", Index{1}, runContext("run1")))
	require.True(t, rt.Runs.Cancel("run1"))

	assert.False(t, rt.Runs.Resume("run1"))
	assert.Empty(t, bottom.Jobs())
	assert.Empty(t, sink.Failures(), "cancelled jobs vanish silently")

	st := rt.Runs.Status("run1")
	assert.Equal(t, schema.RunStateCancelled, st.State)
	assert.Zero(t, st.Buffered)

	s.ReceiveJob(newJob("wf:blast", Index{2}, runContext("run1")))
	assert.Empty(t, bottom.Jobs())
}

func TestRunRegistry_Transitions(t *testing.T) {
	reg := NewRunRegistry()

	assert.True(t, reg.Cancel("a"))
	assert.False(t, reg.Cancel("a"), "cancel is idempotent")
	assert.False(t, reg.Pause("a"), "cannot pause a cancelled run")
	assert.False(t, reg.Resume("a"))

	assert.False(t, reg.Resume("b"), "cannot resume a running run")
	assert.True(t, reg.Pause("b"))
	assert.False(t, reg.Pause("b"), "already paused")
	assert.True(t, reg.IsPaused("b"))
	assert.True(t, reg.Resume("b"))
	assert.False(t, reg.IsPaused("b"))
	assert.True(t, reg.Pause("b"), "a resumed run can be paused again")

	assert.Equal(t, RunStatus{RunID: "c", State: schema.RunStateRunning}, reg.Status("c"))
}

func TestStop_JobsWithoutRunIDPassThrough(t *testing.T) {
	rt, _ := newTestRuntime(t)
	bottom := &jobRecorder{}
	s := newTestStack(t, rt, nil, NewStop(), bottom)

	require.True(t, rt.Runs.Pause("run1"))
	s.ReceiveJob(newJob("wf:blast", nil, nil))
	s.ReceiveJob(newJob("wf:blast", nil, runContext("run2")))

	assert.Len(t, bottom.Jobs(), 2)
}

func TestStop_SharedAcrossStacks(t *testing.T) {
	rt, _ := newTestRuntime(t)
	var bottoms []*jobRecorder
	var stacks []*Stack
	for i := 0; i < 3; i++ {
		b := &jobRecorder{}
		bottoms = append(bottoms, b)
		stacks = append(stacks, newTestStack(t, rt, nil, NewStop(), b))
	}

	require.True(t, rt.Runs.Pause("run1"))
	for i, s := range stacks {
		for n := 0; n <= i; n++ {
			s.ReceiveJob(newJob(ProcessPath(fmt.Sprintf("wf:p%d", i)), Index{n}, runContext("run1")))
		}
	}
	st := rt.Runs.Status("run1")
	assert.Equal(t, 6, st.Buffered)
	assert.Equal(t, 3, st.Affected)

	require.True(t, rt.Runs.Resume("run1"))
	for i, b := range bottoms {
		jobs := b.Jobs()
		require.Len(t, jobs, i+1)
		for n, j := range jobs {
			assert.Equal(t, Index{n}, j.Index)
		}
	}
}

func TestStop_ConcurrentPauseResumeLosesNothing(t *testing.T) {
	rt, _ := newTestRuntime(t)
	var forwarded atomic.Int64
	seen := sync.Map{}

	var stacks []*Stack
	for i := 0; i < 8; i++ {
		b := &jobRecorder{react: func(_ *jobRecorder, job *Job) {
			if _, dup := seen.LoadOrStore(job, true); dup {
				t.Errorf("job %s forwarded twice", job)
			}
			forwarded.Add(1)
		}}
		stacks = append(stacks, newTestStack(t, rt, nil, NewStop(), b))
	}

	const perStack = 200
	var wg sync.WaitGroup
	for i, s := range stacks {
		wg.Add(1)
		go func(i int, s *Stack) {
			defer wg.Done()
			for n := 0; n < perStack; n++ {
				s.ReceiveJob(newJob(ProcessPath(fmt.Sprintf("wf:p%d", i)), Index{n}, runContext("run1")))
			}
		}(i, s)
	}

	stopToggle := make(chan struct{})
	toggled := make(chan struct{})
	go func() {
		defer close(toggled)
		for {
			select {
			case <-stopToggle:
				return
			default:
			}
			rt.Runs.Pause("run1")
			time.Sleep(50 * time.Microsecond)
			rt.Runs.Resume("run1")
		}
	}()

	wg.Wait()
	close(stopToggle)
	<-toggled
	rt.Runs.Resume("run1")

	assert.Equal(t, int64(len(stacks)*perStack), forwarded.Load())
	assert.Zero(t, rt.Runs.Status("run1").Buffered)
}

func TestStop_NoJobPassesAfterCancel(t *testing.T) {
	rt, _ := newTestRuntime(t)
	var mustDrop sync.Map
	var leaked atomic.Int64

	var stacks []*Stack
	for i := 0; i < 4; i++ {
		b := &jobRecorder{react: func(_ *jobRecorder, job *Job) {
			if _, ok := mustDrop.Load(job); ok {
				leaked.Add(1)
			}
		}}
		stacks = append(stacks, newTestStack(t, rt, nil, NewStop(), b))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, s := range stacks {
		wg.Add(1)
		go func(i int, s *Stack) {
			defer wg.Done()
			<-start
			for n := 0; n < 500; n++ {
				job := newJob(ProcessPath(fmt.Sprintf("wf:p%d", i)), Index{n}, runContext("run1"))
				if rt.Runs.IsCancelled("run1") {
					mustDrop.Store(job, true)
				}
				s.ReceiveJob(job)
			}
		}(i, s)
	}
	close(start)
	time.Sleep(time.Millisecond)
	require.True(t, rt.Runs.Cancel("run1"))
	wg.Wait()

	assert.Zero(t, leaked.Load())
}

func TestStop_RetryFiringDuringPauseIsHeld(t *testing.T) {
	rt, sched := newTestRuntime(t)
	sink := &recordingSink{}
	retry := NewRetry()
	require.NoError(t, retry.Configure(RetryConfig{MaxRetries: 1, InitialDelayMs: 100, MaxDelayMs: 100, BackoffFactor: 1}))
	attempts := 0
	bottom := &jobRecorder{react: func(r *jobRecorder, job *Job) {
		attempts++
		if attempts == 1 {
			failAll(r, job)
			return
		}
		succeedAll(r, job)
	}}
	s := newTestStack(t, rt, sink, retry, NewStop(), bottom)

	s.ReceiveJob(newJob("wf:blast", nil, runContext("run1")))
	require.Equal(t, 1, sched.Pending())

	require.True(t, rt.Runs.Pause("run1"))
	sched.Advance(100 * time.Millisecond)
	assert.Len(t, bottom.Jobs(), 1, "the scheduled retry is held by the paused run")
	assert.Equal(t, 1, rt.Runs.Status("run1").Buffered)

	require.True(t, rt.Runs.Resume("run1"))
	assert.Len(t, bottom.Jobs(), 2)
	assert.Len(t, sink.Results(), 1)
	assert.Zero(t, retry.Pending())
}
