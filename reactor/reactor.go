// Package reactor runs a fixed pool of event-multiplexing workers over
// non-blocking sockets. Every connection is pinned to the worker that
// accepted or opened it and is only ever touched from that worker's
// loop; cross-thread interaction happens through submitted tasks.
//
// The implementation is epoll-based and Linux-only.
package reactor

import "github.com/pkg/errors"

// Direction of a connection.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Handle identifies a connection without referencing it. The
// generation guards against file-descriptor reuse: a stale handle
// fails cleanly instead of addressing a newer connection.
type Handle struct {
	Worker int
	FD     int
	Gen    uint64
}

// ConnHandler receives connection events, always on the owning worker.
// Each callback corresponds to at most one bounded step of work per
// readiness event.
type ConnHandler interface {
	// OnReadable delivers freshly read bytes. data is only valid for
	// the duration of the call.
	OnReadable(c *Conn, data []byte)

	// OnWritable fires when an outbound connect completes and when a
	// previously backed-up write queue fully drains.
	OnWritable(c *Conn)

	// OnDeadline fires once when the connection's deadline expires.
	OnDeadline(c *Conn)

	// OnClosed fires exactly once, after the descriptor is closed.
	// err is nil for a locally requested close.
	OnClosed(c *Conn, err error)
}

var (
	ErrConnClosed = errors.New("connection is closed")
	ErrShutdown   = errors.New("reactor is shut down")
)

// ListenOptions configure the listening socket.
type ListenOptions struct {
	ReuseAddr bool
	ReusePort bool
}
