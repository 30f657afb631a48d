package router

// Config carries the per-call admission and transport settings supplied by
// configuration, distinct from a Rule's own per-route limits.
type Config struct {
	ClientMaxSet bool
	ClientMax    uint

	PacketReadSize int
	IsMultiWorkers bool
}
