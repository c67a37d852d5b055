// Package server composes the reactor, the peer registry and the
// request machine into an embeddable HTTP/1.1 endpoint.
package server

import (
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"asynchttp/http"
	"asynchttp/http/coder"
	"asynchttp/peer"
	"asynchttp/reactor"
)

type Endpoint struct {
	addr string
	opts Options

	logger *slog.Logger
	clk    clock.Clock

	reactor  *reactor.Reactor
	registry *peer.Registry
	coders   *coder.Registry
	handler  Handler

	bound string

	done     chan struct{}
	shutdown sync.Once
}

func New(addr string, logger *slog.Logger, clk clock.Clock, opts Options) *Endpoint {
	return &Endpoint{
		addr:     addr,
		opts:     opts,
		logger:   logger,
		clk:      clk,
		registry: peer.NewRegistry(),
		coders:   coder.NewRegistry(),
		done:     make(chan struct{}),
	}
}

// SetHandler installs the application callback. Must be called before
// serving.
func (e *Endpoint) SetHandler(h Handler) { e.handler = h }

// Registry exposes peer lookups to application code.
func (e *Endpoint) Registry() *peer.Registry { return e.registry }

// Addr returns the actual bound address, available after serving
// starts. Binding port 0 picks a free port.
func (e *Endpoint) Addr() string { return e.bound }

// ServeThreaded binds the listening socket and starts serving on
// background reactor workers.
func (e *Endpoint) ServeThreaded() error {
	if e.handler == nil {
		return errors.New("no handler installed")
	}

	r, err := reactor.New(e.opts.Threads, e.logger, e.clk)
	if err != nil {
		return errors.Wrap(err, "creating reactor")
	}

	bound, err := r.Listen(e.addr, reactor.ListenOptions{
		ReuseAddr: e.opts.ReuseAddr,
		ReusePort: e.opts.ReusePort,
	}, e.accept)
	if err != nil {
		_ = r.Shutdown()
		return errors.Wrap(err, "binding listener")
	}

	e.reactor = r
	e.bound = bound
	r.Start()

	e.logger.Info("serving", "addr", bound, "threads", r.Threads())
	return nil
}

// Serve is ServeThreaded with the calling goroutine parked until
// Shutdown. The parked goroutine does not serve connections:
// Options.Threads alone sizes the worker pool, so a caller wanting N
// serving threads configures N regardless of which variant it uses.
func (e *Endpoint) Serve() error {
	if err := e.ServeThreaded(); err != nil {
		return err
	}
	<-e.done
	return nil
}

// Shutdown closes the listening socket, drains and closes every
// connection, and joins the workers. Disconnect notifications for
// live peers fire during the drain. No descriptor survives it.
func (e *Endpoint) Shutdown() error {
	var err error
	e.shutdown.Do(func() {
		if e.reactor != nil {
			err = e.reactor.Shutdown()
		}
		close(e.done)
		e.logger.Info("shut down")
	})
	return err
}

// accept runs on the adopting worker for every new connection.
func (e *Endpoint) accept(c *reactor.Conn) {
	p := e.registry.Register(c.RemoteAddr(), c.Handle())

	sc := &serverConn{
		e:    e,
		c:    c,
		peer: p,
		machine: http.NewRequestMachine(e.clk, http.MachineOptions{
			MaxHeaderBytes: e.opts.MaxHeaderBytes,
			MaxBodyBytes:   e.opts.MaxBodyBytes,
		}),
		logger: e.logger.With("remote", c.RemoteAddr(), "peer", uint64(p.ID())),
	}

	c.SetHandler(sc)
	c.SetData(sc)
	c.SetDeadline(sc.machine.Deadline(e.opts.HeaderTimeout, e.opts.BodyTimeout))
}
