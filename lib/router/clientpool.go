package router

import "github.com/google/uuid"

// ClientPool is a per-route multiset of clients indexed by state. It is not
// safe for concurrent use on its own; callers hold the owning Route's lock.
type ClientPool struct {
	byID    map[uuid.UUID]*Client
	byState map[ClientState]map[uuid.UUID]*Client
}

func newClientPool() *ClientPool {
	return &ClientPool{
		byID: make(map[uuid.UUID]*Client),
		byState: map[ClientState]map[uuid.UUID]*Client{
			ClientPending: {},
			ClientActive:  {},
			ClientQueue:   {},
		},
	}
}

// Set moves a client between state sets. ClientUndef removes it from the
// pool entirely. No allocation happens on a transition between two
// already-tracked states.
func (p *ClientPool) Set(c *Client, state ClientState) {
	if set, ok := p.byState[c.state]; ok {
		delete(set, c.ID)
	}
	if state == ClientUndef {
		delete(p.byID, c.ID)
		c.state = ClientUndef
		return
	}
	p.byID[c.ID] = c
	p.byState[state][c.ID] = c
	c.state = state
}

// Total is the number of clients tracked in any state.
func (p *ClientPool) Total() int { return len(p.byID) }

// Next returns an arbitrary client in the given state.
func (p *ClientPool) Next(state ClientState) (*Client, bool) {
	for _, c := range p.byState[state] {
		return c, true
	}
	return nil, false
}

// ForEach calls cb for every client in state, stopping early if cb returns
// false.
func (p *ClientPool) ForEach(state ClientState, cb func(*Client) bool) {
	for _, c := range p.byState[state] {
		if !cb(c) {
			return
		}
	}
}

// ForEachAll calls cb for every client regardless of state.
func (p *ClientPool) ForEachAll(cb func(*Client) bool) {
	for _, c := range p.byID {
		if !cb(c) {
			return
		}
	}
}

// ByID looks a client up by identity.
func (p *ClientPool) ByID(id uuid.UUID) (*Client, bool) {
	c, ok := p.byID[id]
	return c, ok
}
