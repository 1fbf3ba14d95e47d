package dispatch

import (
	"log/slog"
	"sync"

	"github.com/rendis/enact/internal/activity"
)

// FailoverConfig configures a Failover layer. It has no tunables; the
// candidate order of each Job is the failover order.
type FailoverConfig struct{}

type failoverState struct {
	job    *Job
	cursor int
}

// Failover walks the candidate activities of a Job in order. Each attempt
// goes down with a single candidate; a failure for a tracked Job moves to
// the next candidate until the list is exhausted, at which point the
// failure goes up unchanged.
type Failover struct {
	Base
	mu     sync.RWMutex
	config FailoverConfig
	states *jobStates[failoverState]
}

// NewFailover creates a Failover layer.
func NewFailover() *Failover {
	return &Failover{states: newJobStates[failoverState]()}
}

func (f *Failover) Name() string { return LayerFailover }

func (f *Failover) Configure(cfg FailoverConfig) error {
	f.mu.Lock()
	f.config = cfg
	f.mu.Unlock()
	return nil
}

func (f *Failover) Configuration() FailoverConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.config
}

func (f *Failover) ReceiveJob(job *Job) {
	if len(job.Activities) == 0 {
		f.Below().ReceiveJob(job)
		return
	}
	f.states.put(keyOf(job.Process, job.Index), &failoverState{job: job})
	f.Below().ReceiveJob(job.WithActivities(job.Activities[0]))
}

func (f *Failover) ReceiveFailure(failure *Failure) {
	var next *Job
	tracked := f.states.with(keyOf(failure.Process, failure.Index), func(s *failoverState) bool {
		s.cursor++
		if s.cursor >= len(s.job.Activities) {
			return true
		}
		next = s.job.WithActivities(s.job.Activities[s.cursor])
		return false
	})

	if !tracked || next == nil {
		if tracked {
			f.logger().Debug("failover exhausted",
				slog.String("process", string(failure.Process)),
				slog.String("index", failure.Index.String()),
				slog.String("class", string(failure.Class)),
			)
		}
		f.Above().ReceiveFailure(failure)
		return
	}

	f.Runtime().Metrics.failoverAdvanced(f.Stack().Processor())
	f.logger().Debug("failover to next activity",
		slog.String("process", string(failure.Process)),
		slog.String("index", failure.Index.String()),
		slog.String("failed", candidateName(failure.Activity)),
		slog.String("next", next.Activities[0].Name()),
	)
	f.Below().ReceiveJob(next)
}

func (f *Failover) ReceiveResult(result *Result) {
	if !result.Streaming {
		f.states.remove(keyOf(result.Process, result.Index))
	}
	f.Above().ReceiveResult(result)
}

func (f *Failover) ReceiveCompletion(c *Completion) {
	f.states.remove(keyOf(c.Process, c.Index))
	f.Above().ReceiveCompletion(c)
}

func (f *Failover) FinishedWith(owner ProcessPath) {
	f.states.removeOwner(owner)
}

// Pending returns the number of jobs with failover state.
func (f *Failover) Pending() int { return f.states.len() }

func candidateName(c *activity.Candidate) string {
	if c == nil {
		return ""
	}
	return c.Name()
}

var _ Layer = (*Failover)(nil)
