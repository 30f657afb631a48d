package router

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gfx.cafe/gfx/pgrouter/lib/instrumentation/prom"
)

// Router is the top-level coordinator: it holds the rule table, the route
// pool, and the global client counter, and exposes the operations below.
//
// All router operations acquire the router lock exclusively for updates to
// the route pool, rule table, or the clients counter, and release it before
// taking any route lock. Lock ordering is strictly router -> route; a
// caller must never hold a route lock while acquiring the router lock.
type Router struct {
	mu      sync.Mutex
	rules   *RuleTable
	routes  *RoutePool
	clients uint

	backend BackendDriver
	io      IOScheduler
	ids     IDManager

	logger *zap.Logger
}

// Option configures a Router at construction time.
type Option func(*Router)

func WithBackendDriver(b BackendDriver) Option { return func(r *Router) { r.backend = b } }
func WithIOScheduler(s IOScheduler) Option     { return func(r *Router) { r.io = s } }
func WithIDManager(m IDManager) Option         { return func(r *Router) { r.ids = m } }
func WithLogger(l *zap.Logger) Option          { return func(r *Router) { r.logger = l } }

// New builds an empty Router with no rules installed.
func New(opts ...Option) *Router {
	r := &Router{
		rules:  newRuleTable(),
		routes: newRoutePool(),
		io:     noopIOScheduler{},
		ids:    defaultIDManager{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clients is the global count of currently-routed clients.
func (r *Router) Clients() uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients
}

// Route classifies and admits a client. On success the client is left in
// the pending state of the route it was matched to.
func (r *Router) Route(cfg Config, client *Client) Status {
	r.mu.Lock()

	rule := r.rules.Forward(client.Startup.Database, client.Startup.User)
	if rule == nil {
		r.mu.Unlock()
		return StatusErrorNotFound
	}

	id := RouteId{Database: client.Startup.Database, User: client.Startup.User}
	if rule.StorageDB != "" {
		id.Database = rule.StorageDB
	}
	if rule.StorageUser != "" {
		id.User = rule.StorageUser
	}

	if cfg.ClientMaxSet && r.clients >= cfg.ClientMax {
		r.mu.Unlock()
		return StatusErrorLimit
	}

	route := r.routes.Match(id, rule)
	if route == nil {
		route = r.routes.New(id, rule)
	}

	r.clients++
	r.rules.Ref(rule)

	route.Lock()
	r.mu.Unlock()

	if rule.ClientMaxSet && route.clientPool.Total() >= int(rule.ClientMax) {
		route.Unlock()

		r.mu.Lock()
		r.clients--
		r.mu.Unlock()
		r.rules.Unref(rule)

		return StatusErrorLimitRoute
	}

	client.Rule = rule
	client.Route = route
	route.clientPool.Set(client, ClientPending)
	route.Unlock()

	return StatusOK
}

// Unroute detaches a client from its route, decrementing the global
// counter. It panics if called with no routed clients, matching the
// invariant that clients and unroute calls are balanced.
func (r *Router) Unroute(client *Client) {
	r.mu.Lock()
	if r.clients == 0 {
		r.mu.Unlock()
		panic("router: unroute called with no routed clients")
	}
	r.clients--
	r.mu.Unlock()

	route := client.Route
	route.Lock()
	route.clientPool.Set(client, ClientUndef)
	client.Route = nil
	route.Unlock()
}

// Attach binds a client to a server, reusing an idle one if available,
// allocating a new one if the route's rule allows it, or suspending the
// client in the route's waiter queue until one frees up. ctx governs only
// the suspend case; it has no effect once the client has been handed a
// server.
func (r *Router) Attach(ctx context.Context, cfg Config, client *Client) Status {
	route := client.Route
	rule := client.Rule

	route.Lock()
	if server, ok := route.serverPool.Next(ServerIdle); ok {
		bindLocked(route, client, server)
		route.Unlock()
		r.maybeAttachIO(cfg, server)
		return StatusOK
	}

	if rule.PoolSize == 0 || route.serverPool.Total() < rule.PoolSize {
		route.Unlock()
		return r.allocateAndBind(cfg, route, client)
	}

	route.clientPool.Set(client, ClientQueue)
	ticket := route.waiters.enqueue(client.ID)
	route.Unlock()

	return r.waitForServer(ctx, cfg, route, client, ticket)
}

func (r *Router) waitForServer(ctx context.Context, cfg Config, route *Route, client *Client, ticket *waitTicket) Status {
	select {
	case serverID, ok := <-ticket.result:
		if !ok {
			return StatusError
		}
		return r.handOff(cfg, route, client, serverID)
	case <-ctx.Done():
		ticket.cancelled.Store(true)
		select {
		case serverID, ok := <-ticket.result:
			// lost the cancellation race: a server was already handed over.
			if !ok {
				return StatusError
			}
			return r.handOff(cfg, route, client, serverID)
		default:
			route.Lock()
			route.clientPool.Set(client, ClientPending)
			route.Unlock()
			return StatusError
		}
	}
}

// handOff resolves what a waiter was woken with: either the id of a server
// already in the pool (handed over by detach), or waiterFreshServer, the
// sentinel close uses to signal that a slot freed up but no existing
// server is available to hand over directly, so a fresh one must be
// allocated for this waiter instead.
func (r *Router) handOff(cfg Config, route *Route, client *Client, serverID uuid.UUID) Status {
	if serverID == waiterFreshServer {
		return r.allocateAndBind(cfg, route, client)
	}
	return r.bindWaiter(cfg, route, client, serverID)
}

func (r *Router) bindWaiter(cfg Config, route *Route, client *Client, serverID uuid.UUID) Status {
	route.Lock()
	server, found := route.serverPool.ByID(serverID)
	if !found {
		route.Unlock()
		return StatusError
	}
	bindLocked(route, client, server)
	route.Unlock()
	r.maybeAttachIO(cfg, server)
	return StatusOK
}

// allocateAndBind builds a new server and binds it to client in the same
// critical section that first makes the server visible in route's server
// pool, so it is never reachable via serverPool.Next(ServerIdle) and can
// never be raced onto a different client.
func (r *Router) allocateAndBind(cfg Config, route *Route, client *Client) Status {
	server, err := r.allocateServer(cfg, route)
	if err != nil {
		r.logger.Error("failed to allocate server", zap.Error(err))
		return StatusError
	}

	route.Lock()
	bindLocked(route, client, server)
	route.Unlock()
	r.maybeAttachIO(cfg, server)
	return StatusOK
}

// bindLocked cross-links a client and server and moves both to active. It
// is also how a freshly allocated server is first published to the route's
// server pool: ServerPool.Set adds an untracked server the same way it
// moves a tracked one, so a new server goes straight from nonexistent to
// active without ever passing through (and being reachable from) idle.
// Caller must hold the route lock.
func bindLocked(route *Route, client *Client, server *Server) {
	route.serverPool.Set(server, ServerActive)
	route.clientPool.Set(client, ClientActive)
	client.Server = server
	server.Client = client
	server.IdleTime = 0
	server.KeyClient = client.Key
	prom.Server.Attached(prom.RuleLabels{Rule: route.rule.Name}).Inc()
}

// allocateServer builds a new server for route, with its packet reader
// sized from cfg.PacketReadSize. It does not touch the route's server
// pool or take the route lock; the caller publishes it via bindLocked in
// the same critical section that binds it to a client.
func (r *Router) allocateServer(cfg Config, route *Route) (*Server, error) {
	id, err := r.ids.Generate("s")
	if err != nil {
		return nil, err
	}
	server := NewServer(id, cfg)
	server.Route = route
	return server, nil
}

func (r *Router) maybeAttachIO(cfg Config, server *Server) {
	if cfg.IsMultiWorkers && server.IO != nil {
		r.io.Attach(server.IO)
	}
}

// Detach returns a client's server to the pool. If a client is waiting in
// the route's queue, the server is handed directly to it instead of being
// made visible as idle.
func (r *Router) Detach(cfg Config, client *Client) {
	server := client.Server

	if cfg.IsMultiWorkers && server.IO != nil {
		r.io.Detach(server.IO)
	}

	route := client.Route
	route.Lock()

	server.LastClientID = client.ID
	client.Server = nil
	server.Client = nil
	server.KeyClient = uuid.Nil

	ruleLabels := prom.RuleLabels{Rule: route.rule.Name}
	prom.Server.Detached(ruleLabels).Inc()

	if route.waiters.fulfillOne(server.ID) {
		// server stays ServerActive across the handoff, but with Client and
		// KeyClient already cleared, so Cancel's ServerActive/KeyClient scan
		// cannot match it against the just-detached client's key before
		// bindWaiter rebinds it to the waiter.
		route.clientPool.Set(client, ClientPending)
		route.Unlock()
		return
	}

	route.serverPool.Set(server, ServerIdle)
	route.clientPool.Set(client, ClientPending)
	route.Unlock()
}

// Close terminates a client's server definitively, asking the backend
// driver to close the connection outside any lock. Destroying a server
// frees a slot under the route's rule.pool_size cap the same way detach
// does, but there is no server left to hand a queued waiter directly, so
// close wakes the oldest one with waiterFreshServer instead, prompting it
// to allocate its own replacement using the Config it was originally
// attached with.
func (r *Router) Close(client *Client) {
	server := client.Server

	if r.backend != nil {
		r.backend.CloseConnection(server)
	}

	route := client.Route
	route.Lock()

	client.Server = nil
	server.Client = nil
	server.Route = nil
	route.serverPool.Set(server, ServerUndef)
	route.clientPool.Set(client, ClientPending)

	prom.Server.Closed(prom.RuleLabels{Rule: route.rule.Name}).Inc()
	route.waiters.fulfillOne(waiterFreshServer)

	route.Unlock()
}

// Cancel forwards a wire cancel. It searches every route's active servers
// for one whose KeyClient matches key, returning the server's own id and
// backend cancel key alongside a copy of its rule's storage descriptor so
// the caller can open an independent cancel connection upstream.
func (r *Router) Cancel(key uuid.UUID) (Status, uuid.UUID, uuid.UUID, *Storage) {
	for _, route := range r.snapshotRoutes() {
		route.Lock()
		server, found := route.serverPool.ForEachMatch(ServerActive, func(s *Server) bool {
			return s.KeyClient == key
		})
		if found {
			storage := route.rule.Storage.Copy()
			id := server.ID
			serverKey := server.Key
			route.Unlock()
			return StatusOK, id, serverKey, storage
		}
		route.Unlock()
	}
	return StatusErrorNotFound, uuid.Nil, uuid.Nil, nil
}

// Kill closes any client with the given id, wherever it is.
func (r *Router) Kill(id uuid.UUID) {
	for _, route := range r.snapshotRoutes() {
		route.Lock()
		route.KillClient(id)
		route.Unlock()
	}
}

// Reconfigure hot-swaps the rule set and kills the client pool of any route
// whose rule became obsolete as a result. A rule whose selector failed to
// compile is reported through the logger rather than installed with a
// silently-broken matcher; see RuleTable.Merge.
func (r *Router) Reconfigure(newRules []*Rule) int {
	r.mu.Lock()
	updates, errs := r.rules.Merge(newRules)
	r.mu.Unlock()

	for _, err := range errs {
		r.logger.Error("failed to compile rule selector", zap.Error(err))
	}

	if updates == 0 {
		return updates
	}

	for _, route := range r.snapshotRoutes() {
		route.Lock()
		if route.rule.Obsolete() {
			route.KillClientPool()
		}
		route.Unlock()
	}
	return updates
}

// ExpiredServer is a server moved out of a route's idle set by Expire,
// ready for the caller to close and free outside any lock.
type ExpiredServer struct {
	Route  *Route
	Server *Server
}

// Expire is the TTL / obsolete sweep. For a route whose rule is obsolete
// and which has no clients, every idle server is appended to the result
// without being removed from the idle set — this is a deliberate match of
// the source's behavior, see DESIGN.md. Otherwise each idle server's
// idle_time is ticked up to the rule's pool_ttl, after which it is moved
// to undef and appended to the result.
func (r *Router) Expire() []*ExpiredServer {
	var expired []*ExpiredServer

	for _, route := range r.snapshotRoutes() {
		route.Lock()
		rule := route.rule
		ruleLabels := prom.RuleLabels{Rule: rule.Name}

		switch {
		case rule.Obsolete() && route.clientPool.Total() == 0:
			route.serverPool.ForEach(ServerIdle, func(s *Server) bool {
				expired = append(expired, &ExpiredServer{Route: route, Server: s})
				prom.Server.Expired(ruleLabels).Inc()
				return true
			})
		case rule.PoolTTL == 0:
			// expiry disabled for this route

		default:
			var toExpire []*Server
			route.serverPool.ForEach(ServerIdle, func(s *Server) bool {
				if s.IdleTime < rule.PoolTTL {
					s.IdleTime++
				} else {
					toExpire = append(toExpire, s)
				}
				return true
			})
			for _, s := range toExpire {
				route.serverPool.Set(s, ServerUndef)
				expired = append(expired, &ExpiredServer{Route: route, Server: s})
				prom.Server.Expired(ruleLabels).Inc()
			}
		}

		route.Unlock()
	}

	return expired
}

// GC reclaims empty routes: those with zero clients and zero servers that
// are either dynamic or whose rule is obsolete. The whole sweep runs under
// one continuous hold of the router lock, with each route's lock nested
// inside it, so the empty/eligible check and the route-pool unlink happen
// as a single atomic step. Dropping the router lock between the check and
// the removal would let a concurrent Route match and populate a route GC
// is about to discard.
func (r *Router) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	freed := 0
	r.routes.ForEach(func(route *Route) int {
		route.Lock()
		empty := route.clientPool.Total() == 0 && route.serverPool.Total() == 0
		eligible := route.dynamic || route.rule.Obsolete()
		if !empty || !eligible {
			route.Unlock()
			return 0
		}

		r.routes.Remove(route)
		route.Unlock()

		r.rules.Unref(route.rule)
		route.waiters.drain()
		freed++
		return 0
	})
	return freed
}

// RouteStat is a usage snapshot for a single route.
type RouteStat struct {
	ID       RouteId
	RuleName string
	Clients  int
	Servers  int
}

// Stat takes a usage snapshot of every route under the router lock, also
// publishing each route's occupancy as gauges for scraping.
func (r *Router) Stat() []RouteStat {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]RouteStat, 0, r.routes.Count())
	r.routes.ForEach(func(route *Route) int {
		route.Lock()
		clients := route.clientPool.Total()
		servers := route.serverPool.Total()
		stats = append(stats, RouteStat{
			ID:       route.id,
			RuleName: route.rule.Name,
			Clients:  clients,
			Servers:  servers,
		})
		ruleLabels := prom.RuleLabels{Rule: route.rule.Name}
		prom.Route.Clients(ruleLabels).Set(float64(clients))
		prom.Route.Servers(ruleLabels).Set(float64(servers))
		route.Unlock()
		return 0
	})
	return stats
}

// ForEach holds the router lock for the entire sweep, invoking cb for every
// route; it stops early and returns cb's value if that value is nonzero.
func (r *Router) ForEach(cb func(*Route) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes.ForEach(cb)
}

// snapshotRoutes collects every route under the router lock, then releases
// it before any route lock is taken by the caller.
func (r *Router) snapshotRoutes() []*Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes := make([]*Route, 0, r.routes.Count())
	r.routes.ForEach(func(route *Route) int {
		routes = append(routes, route)
		return 0
	})
	return routes
}
