package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs and tracks which agents
// watch which runs. Populated when agents call a run tool with agent_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // agentID → sessionID
	watchers map[string]map[string]struct{} // runID → agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		watchers: make(map[string]map[string]struct{}),
	}
}

// Register associates an agent ID with a session ID.
// If the agent already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Remove deletes all agent mappings for the given session ID.
// Watches are kept so a reconnecting agent keeps its subscriptions.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}

// Watch subscribes agentID to state changes of runID.
func (r *SessionRegistry) Watch(runID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[runID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[runID] = set
	}
	set[agentID] = struct{}{}
}

// Watchers returns the agents watching runID, sorted.
func (r *SessionRegistry) Watchers(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.watchers[runID]))
	for aid := range r.watchers[runID] {
		out = append(out, aid)
	}
	slices.Sort(out)
	return out
}

// Forget drops every watch on runID.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, runID)
}
