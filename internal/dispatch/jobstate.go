package dispatch

import "sync"

// jobStates holds per-Job state keyed by (owning process, index). Callers
// mutate a state only while holding the lock obtained through with, so the
// failures of one job are handled one at a time, in receipt order.
type jobStates[S any] struct {
	mu     sync.Mutex
	states map[stateKey]*S
}

func newJobStates[S any]() *jobStates[S] {
	return &jobStates[S]{states: make(map[stateKey]*S)}
}

func (j *jobStates[S]) put(k stateKey, s *S) {
	j.mu.Lock()
	j.states[k] = s
	j.mu.Unlock()
}

// with runs fn on the state for k under the lock. fn returns true to
// delete the state. ok is false when no state exists.
func (j *jobStates[S]) with(k stateKey, fn func(s *S) (remove bool)) (ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.states[k]
	if !ok {
		return false
	}
	if fn(s) {
		delete(j.states, k)
	}
	return true
}

func (j *jobStates[S]) remove(k stateKey) {
	j.mu.Lock()
	delete(j.states, k)
	j.mu.Unlock()
}

// removeOwner drops every state owned by owner or a process nested in it.
func (j *jobStates[S]) removeOwner(owner ProcessPath) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for k := range j.states {
		if k.process.Within(owner) {
			delete(j.states, k)
			n++
		}
	}
	return n
}

func (j *jobStates[S]) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.states)
}
