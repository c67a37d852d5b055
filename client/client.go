// Package client issues outbound HTTP/1.1 requests over the reactor
// without blocking the caller: Send starts transmission immediately
// and hands back a promise that settles with the response or the
// request's failure.
package client

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"asynchttp/http"
	"asynchttp/http/coder"
	"asynchttp/reactor"
)

// Options configure a client.
type Options struct {
	// Threads is the reactor worker count shared by all requests of
	// this client. Values below 1 mean 1.
	Threads int

	// RequestTimeout is the per-request deadline applied when a
	// builder sets none. Zero disables the default.
	RequestTimeout time.Duration

	MaxHeaderBytes uint
	MaxBodyBytes   uint
}

// ErrRequestTimeout marks a promise rejected because its request
// deadline passed. It is the same sentinel the protocol layer uses.
var ErrRequestTimeout = http.ErrTimeout

// ErrShutDown rejects requests issued against a shut-down client.
var ErrShutDown = errors.New("client is shut down")

type Client struct {
	logger *slog.Logger
	clk    clock.Clock
	opts   Options

	reactor *reactor.Reactor
	pool    *connPool
	coders  *coder.Registry

	closed atomic.Bool
}

// New creates a client and starts its reactor workers.
func New(logger *slog.Logger, clk clock.Clock, opts Options) (*Client, error) {
	r, err := reactor.New(opts.Threads, logger, clk)
	if err != nil {
		return nil, errors.Wrap(err, "creating reactor")
	}

	c := &Client{
		logger:  logger,
		clk:     clk,
		opts:    opts,
		reactor: r,
		pool:    newConnPool(),
		coders:  coder.NewRegistry(),
	}
	r.Start()

	return c, nil
}

func (c *Client) Get(url string) *RequestBuilder    { return c.newBuilder("GET", url) }
func (c *Client) Post(url string) *RequestBuilder   { return c.newBuilder("POST", url) }
func (c *Client) Put(url string) *RequestBuilder    { return c.newBuilder("PUT", url) }
func (c *Client) Delete(url string) *RequestBuilder { return c.newBuilder("DELETE", url) }

// Shutdown tears down the reactor. In-flight promises reject; idle
// pooled connections close. No descriptor survives it.
func (c *Client) Shutdown() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.reactor.Shutdown()
}

// dispatch routes a pending request onto an idle pooled connection
// for its host, or dials a fresh one.
func (c *Client) dispatch(host string, pr *pendingRequest) {
	if c.closed.Load() {
		pr.reject(ErrShutDown)
		return
	}

	if cc := c.pool.get(host); cc != nil {
		err := cc.conn.Submit(func() {
			if cc.conn.Closed() {
				// Lost the race against a remote close; route again.
				c.dispatch(host, pr)
				return
			}
			cc.attach(pr)
		})
		if err != nil {
			pr.reject(errors.Wrap(err, "submitting to pooled connection"))
		}
		return
	}

	err := c.reactor.Dial(host, func(conn *reactor.Conn) {
		cc := &clientConn{
			c:    c,
			conn: conn,
			host: host,
			machine: http.NewResponseMachine(http.MachineOptions{
				MaxHeaderBytes: c.opts.MaxHeaderBytes,
				MaxBodyBytes:   c.opts.MaxBodyBytes,
			}),
			logger: c.logger.With("remote", host),
		}
		conn.SetHandler(cc)
		conn.SetData(cc)
		cc.attach(pr)
	})
	if err != nil {
		pr.reject(errors.Wrap(err, "dialing"))
	}
}
