package router

import "github.com/google/uuid"

// BackendDriver is the out-of-scope collaborator that owns upstream
// connections. The router calls it only outside of any router or route
// lock.
type BackendDriver interface {
	CloseConnection(server *Server)
}

// IOScheduler attaches/detaches a server's I/O handle to the worker loop
// that owns it. Its methods are no-ops in single-worker mode.
type IOScheduler interface {
	Attach(io any)
	Detach(io any)
}

// IDManager produces opaque ids for new server objects.
type IDManager interface {
	Generate(prefix string) (uuid.UUID, error)
}

type noopIOScheduler struct{}

func (noopIOScheduler) Attach(io any) {}
func (noopIOScheduler) Detach(io any) {}

type defaultIDManager struct{}

func (defaultIDManager) Generate(prefix string) (uuid.UUID, error) {
	return uuid.NewRandom()
}
