package router

// RoutePool is the collection of routes owned by a Router. It is protected
// externally by the router lock, not by a lock of its own, mirroring how
// ClientPool/ServerPool are protected by their owning route's lock.
//
// Routes are keyed by RouteId, but more than one route can share a RouteId
// at once — a route bound to a just-obsoleted rule survives alongside a
// fresh route bound to its replacement until the old one drains and is
// GC'd. match() therefore disambiguates on the (id, rule) pair, not on id
// alone.
type RoutePool struct {
	routes map[RouteId][]*Route
	count  int
}

func newRoutePool() *RoutePool {
	return &RoutePool{routes: make(map[RouteId][]*Route)}
}

// Match returns the existing route whose (id, rule) pair matches exactly,
// or nil.
func (p *RoutePool) Match(id RouteId, rule *Rule) *Route {
	for _, r := range p.routes[id] {
		if r.rule == rule {
			return r
		}
	}
	return nil
}

// New allocates and inserts a new dynamic route.
func (p *RoutePool) New(id RouteId, rule *Rule) *Route {
	r := newRoute(id, rule)
	p.routes[id] = append(p.routes[id], r)
	p.count++
	return r
}

// Remove unlinks a route from the pool.
func (p *RoutePool) Remove(route *Route) {
	list := p.routes[route.id]
	for i, r := range list {
		if r == route {
			p.routes[route.id] = append(list[:i], list[i+1:]...)
			p.count--
			break
		}
	}
	if len(p.routes[route.id]) == 0 {
		delete(p.routes, route.id)
	}
}

// ForEach iterates every route, invoking cb. If cb returns a nonzero value
// iteration stops and that value is returned; otherwise ForEach returns
// zero on exhaustion. The iteration snapshots the route list up front so a
// callback is free to remove the current route from the pool.
func (p *RoutePool) ForEach(cb func(*Route) int) int {
	all := make([]*Route, 0, p.count)
	for _, list := range p.routes {
		all = append(all, list...)
	}
	for _, r := range all {
		if v := cb(r); v != 0 {
			return v
		}
	}
	return 0
}

// Count is the number of routes currently tracked.
func (p *RoutePool) Count() int { return p.count }
