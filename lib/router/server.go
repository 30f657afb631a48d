package router

import "github.com/google/uuid"

// ServerState is the server's membership state within a route's server
// pool. States owned by the backend driver (connecting, resetting,
// expiring) are opaque to the router and are not modeled here.
type ServerState int

const (
	ServerUndef ServerState = iota
	ServerIdle
	ServerActive
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerActive:
		return "active"
	default:
		return "undef"
	}
}

// PacketReader holds the chunk size the backend driver's packet reader
// should use for this server's connection, sized from config at
// allocation time (od_packet_set_chunk in the reference implementation).
type PacketReader struct {
	ChunkSize int
}

// Server is a pooled backend connection.
type Server struct {
	ID    uuid.UUID
	Route *Route

	Client *Client
	IO     any

	// Key is the backend's own cancel key, used by the backend driver to
	// issue a cancel request upstream. KeyClient is the forged wire key of
	// the client currently (or most recently) bound, used by Router.Cancel
	// to find the right server from a client-side cancel request.
	Key          uuid.UUID
	KeyClient    uuid.UUID
	LastClientID uuid.UUID

	IdleTime     int
	Global       any
	PacketReader *PacketReader

	state ServerState
}

// NewServer builds an unbound Server with its packet reader sized from
// cfg.PacketReadSize.
func NewServer(id uuid.UUID, cfg Config) *Server {
	return &Server{
		ID:           id,
		PacketReader: &PacketReader{ChunkSize: cfg.PacketReadSize},
	}
}

// State reports the server's current pool membership.
func (s *Server) State() ServerState { return s.state }
