//go:build linux

package reactor

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reactor owns the worker pool. One reactor backs one endpoint or one
// client; they do not share sockets.
type Reactor struct {
	logger *slog.Logger
	clk    clock.Clock

	workers []*worker
	wg      sync.WaitGroup
	next    atomic.Uint32

	acceptFn func(*Conn)

	started  atomic.Bool
	shutdown atomic.Bool
}

// New creates a reactor with the given number of workers. threads < 1
// is treated as 1.
func New(threads int, logger *slog.Logger, clk clock.Clock) (*Reactor, error) {
	if threads < 1 {
		threads = 1
	}

	r := &Reactor{logger: logger, clk: clk}
	for i := 0; i < threads; i++ {
		w, err := newWorker(i, r, logger, clk)
		if err != nil {
			for _, prev := range r.workers {
				prev.teardownAll()
			}
			return nil, errors.Wrap(err, "creating worker")
		}
		r.workers = append(r.workers, w)
	}

	return r, nil
}

// Start launches the worker loops.
func (r *Reactor) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range r.workers {
		w := w
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
}

// Threads returns the worker count.
func (r *Reactor) Threads() int { return len(r.workers) }

// pickWorker distributes connections round-robin.
func (r *Reactor) pickWorker() *worker {
	n := r.next.Add(1)
	return r.workers[int(n)%len(r.workers)]
}

// Submit runs fn on a round-robin-chosen worker.
func (r *Reactor) Submit(fn func()) error {
	return r.pickWorker().submit(fn)
}

// Listen binds a listening socket on addr ("host:port", port 0 picks
// a free one) and multiplexes it on worker 0. accept runs on the
// adopting worker for every new connection and must install a handler
// before returning. The actual bound address is returned.
func (r *Reactor) Listen(addr string, opts ListenOptions, accept func(*Conn)) (string, error) {
	if r.shutdown.Load() {
		return "", ErrShutdown
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return "", errors.Wrap(err, "resolving listen address")
	}

	sa, family, err := tcpSockaddr(tcpAddr)
	if err != nil {
		return "", err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return "", errors.Wrap(err, "creating listen socket")
	}

	if opts.ReuseAddr {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if opts.ReusePort {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return "", errors.Wrap(err, "binding listen socket")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return "", errors.Wrap(err, "listening")
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return "", errors.Wrap(err, "reading bound address")
	}

	r.acceptFn = accept

	w := r.workers[0]
	err = w.submit(func() {
		w.listenFD = fd
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			w.logger.Error("registering listen socket failed", "error", err)
			_ = unix.Close(fd)
			w.listenFD = -1
		}
	})
	if err != nil {
		_ = unix.Close(fd)
		return "", err
	}

	return sockaddrString(bound), nil
}

// Dial opens a non-blocking outbound connection and pins it to a
// worker. setup runs on that worker before any event can fire and
// must install a handler; the connect itself completes (or fails)
// asynchronously through OnWritable/OnClosed.
func (r *Reactor) Dial(addr string, setup func(*Conn)) error {
	if r.shutdown.Load() {
		return ErrShutdown
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "resolving dial address")
	}

	sa, family, err := tcpSockaddr(tcpAddr)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return errors.Wrap(err, "creating socket")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	connecting := false
	if err := unix.Connect(fd, sa); err != nil {
		if err != unix.EINPROGRESS {
			_ = unix.Close(fd)
			return errors.Wrap(err, "connecting")
		}
		connecting = true
	}

	w := r.pickWorker()
	err = w.submit(func() {
		c := w.newConn(fd, Outbound, tcpAddr.String())
		c.connecting = connecting
		setup(c)
		if c.handler == nil {
			w.logger.Error("dial setup left connection without handler", "remote", tcpAddr.String())
			_ = unix.Close(fd)
			return
		}
		w.register(c, true)
		if !connecting {
			// Connect completed synchronously; EPOLLOUT will still
			// fire and report writability through the usual path.
			c.connecting = false
		}
	})
	if err != nil {
		_ = unix.Close(fd)
		return err
	}

	return nil
}

// CloseConn requests teardown of the connection named by a handle.
// A stale handle (generation mismatch or already gone) is a no-op.
func (r *Reactor) CloseConn(h Handle) error {
	if h.Worker < 0 || h.Worker >= len(r.workers) {
		return errors.New("handle names an unknown worker")
	}
	w := r.workers[h.Worker]
	return w.submit(func() {
		c, ok := w.conns[h.FD]
		if !ok || c.gen != h.Gen {
			return
		}
		c.teardown(nil)
	})
}

// Shutdown stops every worker, closing the listening socket and all
// connections. It blocks until the loops have exited; no descriptor
// owned by the reactor survives it.
func (r *Reactor) Shutdown() error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	for _, w := range r.workers {
		w.stop()
	}

	if r.started.Load() {
		r.wg.Wait()
	} else {
		for _, w := range r.workers {
			w.teardownAll()
		}
	}

	return nil
}

func tcpSockaddr(a *net.TCPAddr) (unix.Sockaddr, int, error) {
	ip := a.IP
	if ip == nil {
		ip = net.IPv4zero
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], ip16)
		return sa, unix.AF_INET6, nil
	}

	return nil, 0, errors.Errorf("unsupported address: %s", a)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	}
	return ""
}
