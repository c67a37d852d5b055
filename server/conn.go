package server

import (
	"log/slog"

	"github.com/pkg/errors"

	"asynchttp/http"
	"asynchttp/http/status"
	"asynchttp/peer"
	"asynchttp/reactor"
)

// serverConn drives one accepted connection: reactor events in,
// request machine forward, handler dispatch, response out. All
// methods run on the connection's owning worker.
type serverConn struct {
	e    *Endpoint
	c    *reactor.Conn
	peer *peer.Peer

	machine *http.RequestMachine

	closing  bool
	notified bool
	inFlight bool

	logger *slog.Logger
}

func (sc *serverConn) OnReadable(c *reactor.Conn, data []byte) {
	if sc.closing {
		// A terminal response is already queued; drop further input.
		return
	}

	if err := sc.machine.Feed(data); err != nil {
		sc.refuse(statusFromError(err), err)
		return
	}

	sc.advance()
}

func (sc *serverConn) OnWritable(*reactor.Conn) {}

func (sc *serverConn) OnDeadline(*reactor.Conn) {
	phase := sc.machine.State()
	sc.machine.Expire()
	sc.logger.Info("request phase timed out", "phase", phase.String())
	sc.refuse(status.RequestTimeout, http.ErrTimeout)
}

func (sc *serverConn) OnClosed(_ *reactor.Conn, err error) {
	if err != nil && !errors.Is(err, reactor.ErrShutdown) {
		sc.logger.Debug("connection closed", "error", err)
	}

	if sc.notified {
		return
	}
	sc.notified = true

	// Notify first, then retire the identifier, so the peer is still
	// resolvable from inside the callback and never after it.
	if d, ok := sc.e.handler.(Disconnecter); ok {
		d.OnDisconnection(sc.peer)
	}
	_, _ = sc.e.registry.Remove(sc.peer.ID())
}

// advance dispatches a completed request and re-arms the phase
// deadline otherwise.
func (sc *serverConn) advance() {
	if sc.machine.State() == http.Complete {
		// New bytes while a response is pending stay buffered in the
		// machine; only one exchange is in flight at a time.
		if !sc.inFlight {
			sc.dispatch(sc.machine.Request())
		}
		return
	}
	sc.c.SetDeadline(sc.machine.Deadline(sc.e.opts.HeaderTimeout, sc.e.opts.BodyTimeout))
}

func (sc *serverConn) dispatch(req *http.Request) {
	// The exchange is the handler's now; no phase deadline applies
	// until the next request starts.
	sc.inFlight = true
	sc.c.SetDeadline(zeroTime)

	w := &ResponseWriter{
		sc:         sc,
		peer:       sc.peer,
		closeAfter: wantsClose(req),
		encoding:   coderIdentity,
	}

	sc.e.handler.OnRequest(req, w)
}

// completeExchange runs after a response is queued: either the
// connection winds down or the machine restarts for the next request
// of a persistent connection, header clock included.
func (sc *serverConn) completeExchange(closeAfter bool) {
	sc.inFlight = false
	if closeAfter {
		sc.closing = true
		sc.c.CloseAfterFlush()
		return
	}

	sc.machine.Restart()
	// Pipelined bytes may already be buffered; drain them now since
	// no readiness event will announce them again.
	if err := sc.machine.Feed(nil); err != nil {
		sc.refuse(statusFromError(err), err)
		return
	}
	sc.advance()
}

// refuse queues a terminal error response and closes once flushed.
// The timeout path produces exactly "HTTP/1.1 408 Request Timeout".
func (sc *serverConn) refuse(st status.Status, cause error) {
	if sc.closing {
		return
	}
	sc.closing = true

	if !errors.Is(cause, http.ErrTimeout) {
		sc.logger.Info("refusing request", "status", st.Code, "error", cause)
	}

	buf := http.AppendResponse(nil, st, []http.Field{
		{Name: "Connection", Value: "close"},
	}, nil)

	sc.c.SetDeadline(zeroTime)
	sc.c.Write(buf)
	sc.c.CloseAfterFlush()
}

func statusFromError(err error) status.Status {
	switch {
	case errors.Is(err, http.ErrTimeout):
		return status.RequestTimeout
	case errors.Is(err, http.ErrRequestLineTooLong):
		return status.URITooLong
	case errors.Is(err, http.ErrHeaderTooLarge):
		return status.HeaderFieldsTooLarge
	case errors.Is(err, http.ErrBodyTooLarge):
		return status.ContentTooLarge
	case errors.Is(err, http.ErrUnsupportedTransfer):
		return status.NotImplemented
	default:
		return status.BadRequest
	}
}

// wantsClose reports whether the exchange must be the last one on the
// connection.
func wantsClose(req *http.Request) bool {
	if v, ok := req.Header("Connection"); ok && equalFold(v, "close") {
		return true
	}
	// Anything below HTTP/1.1 is not kept alive.
	return req.Version[0] < 1 || (req.Version[0] == 1 && req.Version[1] < 1)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
