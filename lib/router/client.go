package router

import (
	"sync"

	"github.com/google/uuid"
)

// ClientState is the client's membership state within a route's client pool.
type ClientState int

const (
	ClientUndef ClientState = iota
	ClientPending
	ClientActive
	ClientQueue
)

func (s ClientState) String() string {
	switch s {
	case ClientPending:
		return "pending"
	case ClientActive:
		return "active"
	case ClientQueue:
		return "queue"
	default:
		return "undef"
	}
}

// Startup carries the classification parameters produced by the protocol
// layer's handshake.
type Startup struct {
	Database string
	User     string
}

// Client is a borrowed handle to an external connection. The router owns
// only its pool membership and the Rule/Route/Server it is currently bound
// to; the connection itself belongs to the protocol layer.
type Client struct {
	ID      uuid.UUID
	Startup Startup
	Key     uuid.UUID
	Global  any
	IO      any

	Rule   *Rule
	Route  *Route
	Server *Server

	state ClientState

	killOnce sync.Once
	killed   chan struct{}
}

// NewClient builds a Client ready to be passed to Router.Route.
func NewClient(id uuid.UUID, startup Startup, key uuid.UUID, global any) *Client {
	return &Client{
		ID:      id,
		Startup: startup,
		Key:     key,
		Global:  global,
		killed:  make(chan struct{}),
	}
}

// State reports the client's current pool membership.
func (c *Client) State() ClientState { return c.state }

// Kill signals the client to disconnect. It is safe to call more than once.
func (c *Client) Kill() { c.killOnce.Do(func() { close(c.killed) }) }

// Killed is closed once Kill has been called; the protocol layer selects on
// it to tear the connection down.
func (c *Client) Killed() <-chan struct{} { return c.killed }
