package dispatch

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/rendis/enact/pkg/schema"
)

type runSet = map[string]struct{}

// RunRegistry holds the run-wide cancel and pause state shared by every
// Stop layer of a process. The cancelled and paused sets are replaced
// copy-on-write so Jobs can check them without taking the lock; every
// write and every buffer mutation happens under mu.
type RunRegistry struct {
	cancelled atomic.Pointer[runSet]
	paused    atomic.Pointer[runSet]

	mu       sync.Mutex
	affected map[string][]*Stop
}

// RunStatus describes the control state of one run.
type RunStatus struct {
	RunID    string          `json:"run_id"`
	State    schema.RunState `json:"state"`
	Buffered int             `json:"buffered_jobs"`
	Affected int             `json:"affected_layers"`
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry() *RunRegistry {
	r := &RunRegistry{affected: make(map[string][]*Stop)}
	empty := runSet{}
	r.cancelled.Store(&empty)
	paused := runSet{}
	r.paused.Store(&paused)
	return r
}

// IsCancelled reports whether runID was cancelled. It never blocks.
func (r *RunRegistry) IsCancelled(runID string) bool {
	_, ok := (*r.cancelled.Load())[runID]
	return ok
}

// IsPaused reports whether runID is paused. It never blocks.
func (r *RunRegistry) IsPaused(runID string) bool {
	_, ok := (*r.paused.Load())[runID]
	return ok
}

// Cancel cancels runID. Jobs for the run are dropped from now on and any
// Jobs buffered by a pause are discarded. It returns false if the run was
// already cancelled.
func (r *RunRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsCancelled(runID) {
		return false
	}
	r.cancelled.Store(withRun(r.cancelled.Load(), runID))
	if r.IsPaused(runID) {
		r.paused.Store(withoutRun(r.paused.Load(), runID))
	}
	for _, s := range r.affected[runID] {
		delete(s.buffered, runID)
	}
	delete(r.affected, runID)
	return true
}

// Pause pauses runID. It returns false if the run is cancelled or already
// paused.
func (r *RunRegistry) Pause(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsCancelled(runID) || r.IsPaused(runID) {
		return false
	}
	r.affected[runID] = nil
	r.paused.Store(withRun(r.paused.Load(), runID))
	return true
}

// Resume resumes a paused run and replays, per Stop layer and in receipt
// order, every Job buffered while it was paused. It returns false if the
// run is cancelled or not paused.
func (r *RunRegistry) Resume(runID string) bool {
	type replay struct {
		stop *Stop
		jobs []*Job
	}

	r.mu.Lock()
	if r.IsCancelled(runID) || !r.IsPaused(runID) {
		r.mu.Unlock()
		return false
	}
	r.paused.Store(withoutRun(r.paused.Load(), runID))
	stops := r.affected[runID]
	delete(r.affected, runID)
	replays := make([]replay, 0, len(stops))
	for _, s := range stops {
		replays = append(replays, replay{stop: s, jobs: s.buffered[runID]})
		delete(s.buffered, runID)
	}
	r.mu.Unlock()

	for _, rp := range replays {
		rp.stop.logger().Debug("replaying paused jobs",
			slog.String("run_id", runID),
			slog.Int("jobs", len(rp.jobs)),
		)
		for _, job := range rp.jobs {
			rp.stop.ReceiveJob(job)
		}
	}
	return true
}

// Status returns the control state of runID.
func (r *RunRegistry) Status(runID string) RunStatus {
	st := RunStatus{RunID: runID, State: schema.RunStateRunning}
	switch {
	case r.IsCancelled(runID):
		st.State = schema.RunStateCancelled
	case r.IsPaused(runID):
		st.State = schema.RunStatePaused
		r.mu.Lock()
		st.Affected = len(r.affected[runID])
		for _, s := range r.affected[runID] {
			st.Buffered += len(s.buffered[runID])
		}
		r.mu.Unlock()
	}
	return st
}

type holdOutcome int

const (
	holdBuffered holdOutcome = iota
	holdForward
	holdDrop
)

// hold buffers job on s if runID is still paused, re-checking under the
// lock so a concurrent Resume or Cancel cannot strand the Job.
func (r *RunRegistry) hold(s *Stop, runID string, job *Job) holdOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsCancelled(runID) {
		return holdDrop
	}
	if !r.IsPaused(runID) {
		return holdForward
	}
	if _, ok := s.buffered[runID]; !ok {
		r.affected[runID] = append(r.affected[runID], s)
	}
	s.buffered[runID] = append(s.buffered[runID], job)
	return holdBuffered
}

func withRun(set *runSet, runID string) *runSet {
	next := maps.Clone(*set)
	next[runID] = struct{}{}
	return &next
}

func withoutRun(set *runSet, runID string) *runSet {
	next := maps.Clone(*set)
	delete(next, runID)
	return &next
}

// StopConfig configures a Stop layer. It has no tunables; the registry is
// shared through the runtime.
type StopConfig struct{}

// Stop enforces run-wide cancel and pause. Jobs of a cancelled run are
// dropped silently; Jobs of a paused run are held until the run resumes.
// Jobs without a run id pass straight through.
type Stop struct {
	Base
	mu     sync.RWMutex
	config StopConfig

	// buffered is guarded by the registry lock.
	buffered map[string][]*Job
}

// NewStop creates a Stop layer.
func NewStop() *Stop {
	return &Stop{buffered: make(map[string][]*Job)}
}

func (s *Stop) Name() string { return LayerStop }

func (s *Stop) Configure(cfg StopConfig) error {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

func (s *Stop) Configuration() StopConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *Stop) ReceiveJob(job *Job) {
	rt := s.Runtime()
	runID, ok := rt.RunIDs.RunID(job.Context)
	if !ok {
		s.Below().ReceiveJob(job)
		return
	}

	if rt.Runs.IsCancelled(runID) {
		s.drop(runID, job)
		return
	}
	if rt.Runs.IsPaused(runID) {
		switch rt.Runs.hold(s, runID, job) {
		case holdBuffered:
			rt.Metrics.jobBuffered()
			s.logger().Debug("job held for paused run",
				slog.String("run_id", runID),
				slog.String("process", string(job.Process)),
				slog.String("index", job.Index.String()),
			)
			return
		case holdDrop:
			s.drop(runID, job)
			return
		}
	}
	s.Below().ReceiveJob(job)
}

func (s *Stop) drop(runID string, job *Job) {
	s.Runtime().Metrics.jobCancelled()
	s.logger().Debug("job dropped for cancelled run",
		slog.String("run_id", runID),
		slog.String("process", string(job.Process)),
		slog.String("index", job.Index.String()),
	)
}

var _ Layer = (*Stop)(nil)
