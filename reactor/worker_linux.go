//go:build linux

package reactor

import (
	"encoding/binary"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// worker is one event loop over a disjoint set of connections.
type worker struct {
	idx int
	r   *Reactor

	epfd   int
	wakefd int

	// listenFD is >= 0 on the worker multiplexing the accept socket.
	listenFD int

	conns   map[int]*Conn
	nextGen uint64
	scratch []byte

	mu       sync.Mutex
	tasks    []func()
	stopping bool

	logger *slog.Logger
	clk    clock.Clock
}

func newWorker(idx int, r *Reactor, logger *slog.Logger, clk clock.Clock) (*worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	w := &worker{
		idx:      idx,
		r:        r,
		epfd:     epfd,
		wakefd:   wakefd,
		listenFD: -1,
		conns:    make(map[int]*Conn),
		scratch:  make([]byte, 64<<10),
		logger:   logger.With("worker", idx),
		clk:      clk,
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakefd)
		return nil, err
	}

	return w, nil
}

// submit schedules fn on this worker's loop.
func (w *worker) submit(fn func()) error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return ErrShutdown
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()

	w.wake()
	return nil
}

func (w *worker) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(w.wakefd, one[:])
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
	w.wake()
}

func (w *worker) stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

// run is the event loop. Each readiness event drives at most one
// bounded step on its connection before control returns here, so a
// busy connection cannot starve the others on this worker.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, 128)

	for !w.stopped() {
		n, err := unix.EpollWait(w.epfd, events, w.pollTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("epoll wait failed", "error", err)
			break
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case w.wakefd:
				w.drainWake()
			case w.listenFD:
				w.acceptReady()
			default:
				w.connReady(fd, events[i].Events)
			}
		}

		w.runTasks()
		w.fireDeadlines()
	}

	// Drain tasks submitted before the stop so any descriptors they
	// carry are adopted and then closed below, not leaked.
	w.runTasks()
	w.teardownAll()
}

func (w *worker) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(w.wakefd, buf[:])
}

func (w *worker) runTasks() {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// pollTimeout derives the epoll timeout from the earliest connection
// deadline. No deadline means block until woken.
func (w *worker) pollTimeout() int {
	var earliest time.Time
	for _, c := range w.conns {
		if c.deadline.IsZero() {
			continue
		}
		if earliest.IsZero() || c.deadline.Before(earliest) {
			earliest = c.deadline
		}
	}
	if earliest.IsZero() {
		return -1
	}

	d := earliest.Sub(w.clk.Now())
	if d <= 0 {
		return 0
	}
	// Round up so we never wake just before the deadline.
	ms := int(d / time.Millisecond)
	return ms + 1
}

func (w *worker) fireDeadlines() {
	now := w.clk.Now()

	var expired []*Conn
	for _, c := range w.conns {
		if !c.deadline.IsZero() && !now.Before(c.deadline) {
			expired = append(expired, c)
		}
	}

	for _, c := range expired {
		if c.closed {
			continue
		}
		c.deadline = time.Time{}
		c.handler.OnDeadline(c)
	}
}

func (w *worker) connReady(fd int, events uint32) {
	c, ok := w.conns[fd]
	if !ok || c.closed {
		return
	}

	if events&unix.EPOLLERR != 0 {
		c.teardown(socketError(fd))
		return
	}

	if events&unix.EPOLLOUT != 0 {
		if c.connecting {
			if err := socketError(fd); err != nil {
				c.teardown(err)
				return
			}
			c.connecting = false
			w.updateInterest(c, c.writeq.Length() > 0)
			c.handler.OnWritable(c)
			if c.closed {
				return
			}
		}

		hadPending := c.writeq.Length() > 0
		c.flush()
		if c.closed {
			return
		}
		if hadPending && c.writeq.Length() == 0 {
			c.handler.OnWritable(c)
			if c.closed {
				return
			}
		}
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		n, err := unix.Read(c.fd, w.scratch)
		switch {
		case n > 0:
			c.handler.OnReadable(c, w.scratch[:n])
		case n == 0 && err == nil:
			c.teardown(io.EOF)
		case err == unix.EAGAIN || err == unix.EINTR:
			// Spurious wakeup; wait for the next event.
		case err != nil:
			c.teardown(err)
		}
	}
}

// acceptReady drains the accept backlog, bounded per event, handing
// new sockets to workers round-robin.
func (w *worker) acceptReady() {
	const acceptBatch = 64

	for i := 0; i < acceptBatch; i++ {
		nfd, sa, err := unix.Accept4(w.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				w.logger.Error("accept failed", "error", err)
				return
			}
		}

		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		target := w.r.pickWorker()
		target.adopt(nfd, sockaddrString(sa))
	}
}

// adopt pins a freshly accepted socket to this worker.
func (w *worker) adopt(fd int, remoteAddr string) {
	err := w.submit(func() {
		c := w.newConn(fd, Inbound, remoteAddr)
		w.r.acceptFn(c)
		if c.handler == nil {
			w.logger.Error("accept callback left connection without handler", "remote", remoteAddr)
			_ = unix.Close(fd)
			return
		}
		w.register(c, false)
	})
	if err != nil {
		_ = unix.Close(fd)
	}
}

func (w *worker) newConn(fd int, dir Direction, remoteAddr string) *Conn {
	w.nextGen++
	return &Conn{
		fd:         fd,
		gen:        w.nextGen,
		dir:        dir,
		w:          w,
		writeq:     queue.New(),
		remoteAddr: remoteAddr,
	}
}

// register adds the connection to the epoll set. wantWrite arms
// writability, used for in-progress connects and queued writes.
func (w *worker) register(c *Conn, wantWrite bool) {
	w.conns[c.fd] = c

	ev := unix.EpollEvent{Events: interestMask(wantWrite), Fd: int32(c.fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev); err != nil {
		delete(w.conns, c.fd)
		_ = unix.Close(c.fd)
		c.closed = true
		c.handler.OnClosed(c, err)
	}
}

func (w *worker) updateInterest(c *Conn, wantWrite bool) {
	if c.closed {
		return
	}
	ev := unix.EpollEvent{Events: interestMask(wantWrite), Fd: int32(c.fd)}
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, c.fd, &ev)
}

func interestMask(wantWrite bool) uint32 {
	mask := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if wantWrite {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (w *worker) teardownAll() {
	conns := make([]*Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	for _, c := range conns {
		c.teardown(ErrShutdown)
	}

	if w.listenFD >= 0 {
		_ = unix.Close(w.listenFD)
		w.listenFD = -1
	}
	_ = unix.Close(w.epfd)
	_ = unix.Close(w.wakefd)
}

func socketError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr == 0 {
		return ErrConnClosed
	}
	return unix.Errno(soerr)
}
