package router

import "github.com/google/uuid"

// ServerPool is a per-route multiset of servers indexed by state. Same
// shape as ClientPool, plus a predicate search used by cancel.
type ServerPool struct {
	byID    map[uuid.UUID]*Server
	byState map[ServerState]map[uuid.UUID]*Server
}

func newServerPool() *ServerPool {
	return &ServerPool{
		byID: make(map[uuid.UUID]*Server),
		byState: map[ServerState]map[uuid.UUID]*Server{
			ServerIdle:   {},
			ServerActive: {},
		},
	}
}

// Set moves a server between state sets. ServerUndef removes it from the
// pool entirely.
func (p *ServerPool) Set(s *Server, state ServerState) {
	if set, ok := p.byState[s.state]; ok {
		delete(set, s.ID)
	}
	if state == ServerUndef {
		delete(p.byID, s.ID)
		s.state = ServerUndef
		return
	}
	p.byID[s.ID] = s
	p.byState[state][s.ID] = s
	s.state = state
}

// Total is the number of servers tracked in any state.
func (p *ServerPool) Total() int { return len(p.byID) }

// Next returns an arbitrary server in the given state.
func (p *ServerPool) Next(state ServerState) (*Server, bool) {
	for _, s := range p.byState[state] {
		return s, true
	}
	return nil, false
}

// ForEach calls cb for every server in state, stopping early if cb returns
// false.
func (p *ServerPool) ForEach(state ServerState, cb func(*Server) bool) {
	for _, s := range p.byState[state] {
		if !cb(s) {
			return
		}
	}
}

// ForEachMatch returns the first server in state for which pred is true.
func (p *ServerPool) ForEachMatch(state ServerState, pred func(*Server) bool) (*Server, bool) {
	for _, s := range p.byState[state] {
		if pred(s) {
			return s, true
		}
	}
	return nil, false
}

// ByID looks a server up by identity, regardless of state.
func (p *ServerPool) ByID(id uuid.UUID) (*Server, bool) {
	s, ok := p.byID[id]
	return s, ok
}
