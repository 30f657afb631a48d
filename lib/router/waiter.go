package router

import (
	"sync/atomic"

	"github.com/google/uuid"

	"gfx.cafe/gfx/pgrouter/lib/util/ring"
)

// waiterFreshServer is the sentinel fulfillOne sends when close frees a
// slot under the pool_size cap by destroying a server outright, rather
// than detach's case of a server going back to idle. There is no existing
// server id to hand the waiter in that case, so the woken goroutine
// allocates a fresh one for itself instead of looking one up by id.
var waiterFreshServer = uuid.Nil

// waitTicket is handed to a client suspended in attach when a route's
// server pool is at its rule's pool_size cap. It is fulfilled by detach or
// close with the id of the server the client should use (or
// waiterFreshServer if none exists yet), or closed with no value if the
// route is torn down while the client waits.
type waitTicket struct {
	clientID  uuid.UUID
	result    chan uuid.UUID
	cancelled atomic.Bool
}

// waiterQueue is a per-route FIFO of suspended client-tasks, used to honor
// rule.pool_size instead of silently ignoring it once the pool is full.
// Every method must be called with the owning route's lock held.
type waiterQueue struct {
	tickets ring.Ring[*waitTicket]
}

func (q *waiterQueue) enqueue(clientID uuid.UUID) *waitTicket {
	t := &waitTicket{
		clientID: clientID,
		result:   make(chan uuid.UUID, 1),
	}
	q.tickets.PushBack(t)
	return t
}

// fulfillOne wakes the oldest live waiter with serverID, skipping any
// waiters that cancelled in the race between timeout and fulfillment. It
// reports whether a waiter was woken.
func (q *waiterQueue) fulfillOne(serverID uuid.UUID) bool {
	for {
		t, ok := q.tickets.PopFront()
		if !ok {
			return false
		}
		if t.cancelled.Load() {
			continue
		}
		t.result <- serverID
		return true
	}
}

// drain wakes every queued waiter with no server, signalling that the route
// is being torn down.
func (q *waiterQueue) drain() {
	for {
		t, ok := q.tickets.PopFront()
		if !ok {
			return
		}
		close(t.result)
	}
}

func (q *waiterQueue) len() int {
	return q.tickets.Length()
}
