package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps workflow IDs to the MCP sessions watching them.
// Populated when a client calls hookflow.run with watch=true.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // workflowID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to workflowID. Repeated calls are no-ops.
func (r *SessionRegistry) Watch(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[workflowID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[workflowID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching workflowID, sorted.
func (r *SessionRegistry) SessionsFor(workflowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.watchers[workflowID]))
	for sid := range r.watchers[workflowID] {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove drops every watch held by sessionID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wf, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, wf)
		}
	}
}
