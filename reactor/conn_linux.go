//go:build linux

package reactor

import (
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// Conn is one non-blocking socket owned by a single worker. All
// methods except Submit must be called from the owning worker.
type Conn struct {
	fd  int
	gen uint64
	dir Direction
	w   *worker

	handler ConnHandler

	writeq *queue.Queue // of []byte
	wpos   int          // consumed prefix of the front buffer

	deadline        time.Time
	connecting      bool
	closeAfterFlush bool
	closed          bool

	remoteAddr string
	data       any
}

func (c *Conn) FD() int              { return c.fd }
func (c *Conn) Direction() Direction { return c.dir }
func (c *Conn) RemoteAddr() string   { return c.remoteAddr }
func (c *Conn) Closed() bool         { return c.closed }

func (c *Conn) Handle() Handle {
	return Handle{Worker: c.w.idx, FD: c.fd, Gen: c.gen}
}

// SetHandler installs the event handler. Must be set before the first
// event can fire, i.e. inside the accept or dial setup callback.
func (c *Conn) SetHandler(h ConnHandler) { c.handler = h }

// SetData attaches opaque driver state.
func (c *Conn) SetData(v any) { c.data = v }
func (c *Conn) Data() any     { return c.data }

// SetDeadline arms (or, with the zero time, disarms) the connection
// deadline checked by the worker loop.
func (c *Conn) SetDeadline(t time.Time) { c.deadline = t }

// Submit schedules fn on the owning worker. It is the only method
// safe to call from other goroutines. fn must re-check Closed.
func (c *Conn) Submit(fn func()) error { return c.w.submit(fn) }

// Write queues b for transmission and flushes opportunistically.
// The reactor owns retries on partial writes. b must not be reused by
// the caller.
func (c *Conn) Write(b []byte) {
	if c.closed || len(b) == 0 {
		return
	}
	c.writeq.Add(b)
	if c.connecting {
		return
	}
	c.flush()
}

// CloseAfterFlush tears the connection down once the write queue
// drains, immediately if it is already empty.
func (c *Conn) CloseAfterFlush() {
	if c.closed {
		return
	}
	c.closeAfterFlush = true
	if c.writeq.Length() == 0 {
		c.teardown(nil)
	}
}

// Close tears the connection down without waiting for pending writes.
func (c *Conn) Close(err error) { c.teardown(err) }

// flush writes queued buffers until the queue drains or the socket
// stops accepting. Transient would-block arms writability; fatal
// errors tear the connection down.
func (c *Conn) flush() {
	for c.writeq.Length() > 0 {
		buf := c.writeq.Peek().([]byte)

		n, err := unix.Write(c.fd, buf[c.wpos:])
		if n > 0 {
			c.wpos += n
		}
		if c.wpos == len(buf) {
			c.writeq.Remove()
			c.wpos = 0
			continue
		}

		switch err {
		case nil, unix.EINTR:
			continue
		case unix.EAGAIN:
			c.w.updateInterest(c, true)
			return
		default:
			// ECONNRESET, EPIPE and friends.
			c.teardown(err)
			return
		}
	}

	c.w.updateInterest(c, false)
	if c.closeAfterFlush {
		c.teardown(nil)
	}
}

// teardown closes the descriptor, removes the connection from its
// worker and notifies the handler exactly once.
func (c *Conn) teardown(err error) {
	if c.closed {
		return
	}
	c.closed = true

	delete(c.w.conns, c.fd)
	_ = unix.EpollCtl(c.w.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	_ = unix.Close(c.fd)

	if c.handler != nil {
		c.handler.OnClosed(c, err)
	}
}
