package router

import (
	"sync"

	"github.com/google/uuid"
)

// RouteId identifies a route by its effective (database, user) pair, after
// any storage_db/storage_user override from the matched rule.
type RouteId struct {
	Database string
	User     string
}

// Route binds a RouteId to a Rule and owns one client pool and one server
// pool. A route is dynamic iff it was created on demand by route(); it is
// then eligible for gc once empty.
type Route struct {
	mu sync.Mutex

	id      RouteId
	rule    *Rule
	dynamic bool

	clientPool *ClientPool
	serverPool *ServerPool
	waiters    waiterQueue
}

func newRoute(id RouteId, rule *Rule) *Route {
	return &Route{
		id:         id,
		rule:       rule,
		dynamic:    true,
		clientPool: newClientPool(),
		serverPool: newServerPool(),
	}
}

// Lock acquires the route lock. No router-lock acquisition may happen while
// it is held.
func (r *Route) Lock() { r.mu.Lock() }

// Unlock releases the route lock.
func (r *Route) Unlock() { r.mu.Unlock() }

// ID is the route's effective RouteId.
func (r *Route) ID() RouteId { return r.id }

// Rule is the rule this route was built from.
func (r *Route) Rule() *Rule { return r.rule }

// IsDynamic reports whether the route was created on demand.
func (r *Route) IsDynamic() bool { return r.dynamic }

// ClientPool exposes the route's client multiset. Caller must hold the route
// lock.
func (r *Route) ClientPool() *ClientPool { return r.clientPool }

// ServerPool exposes the route's server multiset. Caller must hold the route
// lock.
func (r *Route) ServerPool() *ServerPool { return r.serverPool }

// KillClient closes the named client if it is present in this route,
// reporting whether it was found. Caller must hold the route lock.
func (r *Route) KillClient(id uuid.UUID) bool {
	c, ok := r.clientPool.ByID(id)
	if !ok {
		return false
	}
	c.Kill()
	return true
}

// KillClientPool closes every client in this route. Caller must hold the
// route lock.
func (r *Route) KillClientPool() {
	r.clientPool.ForEachAll(func(c *Client) bool {
		c.Kill()
		return true
	})
}
