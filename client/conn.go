package client

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"asynchttp/async"
	"asynchttp/http"
	"asynchttp/reactor"
)

// pendingRequest is one built request travelling towards the wire,
// settled exactly once.
type pendingRequest struct {
	resolver *async.Resolver[*Response]
	raw      []byte
	deadline time.Time
}

func (pr *pendingRequest) reject(err error) { _ = pr.resolver.Reject(err) }

// clientConn drives one outbound connection. All methods run on the
// owning reactor worker.
type clientConn struct {
	c    *Client
	conn *reactor.Conn
	host string

	machine *http.ResponseMachine
	pending *pendingRequest

	logger *slog.Logger
}

// attach hands the connection one request: deadline armed, bytes
// queued. The reactor flushes them as soon as the socket allows,
// which for a fresh dial is connect completion.
func (cc *clientConn) attach(pr *pendingRequest) {
	cc.pending = pr
	cc.machine.Restart()
	cc.conn.SetDeadline(pr.deadline)
	cc.conn.Write(pr.raw)
}

func (cc *clientConn) OnWritable(*reactor.Conn) {}

func (cc *clientConn) OnReadable(_ *reactor.Conn, data []byte) {
	if cc.pending == nil {
		// Unsolicited bytes on an idle connection; drop it.
		cc.c.pool.remove(cc)
		cc.conn.Close(errors.New("server sent data on idle connection"))
		return
	}

	if err := cc.machine.Feed(data); err != nil {
		cc.settle(nil, errors.Wrap(err, "parsing response"))
		cc.conn.Close(nil)
		return
	}

	if cc.machine.State() != http.Complete {
		return
	}

	res, err := cc.buildResponse(cc.machine.Response())
	if err != nil {
		cc.settle(nil, err)
		cc.conn.Close(nil)
		return
	}

	cc.settle(res, nil)
	cc.conn.SetDeadline(time.Time{})
	cc.c.pool.put(cc)
}

func (cc *clientConn) OnDeadline(*reactor.Conn) {
	cc.settle(nil, errors.Wrapf(ErrRequestTimeout, "no complete response from %s", cc.host))
	cc.conn.Close(nil)
}

func (cc *clientConn) OnClosed(_ *reactor.Conn, err error) {
	cc.c.pool.remove(cc)

	if cc.pending == nil {
		return
	}
	if err == nil {
		err = reactor.ErrConnClosed
	}
	cc.settle(nil, errors.Wrap(err, "connection lost before response"))
}

func (cc *clientConn) settle(res *Response, err error) {
	pr := cc.pending
	if pr == nil {
		return
	}
	cc.pending = nil

	if err != nil {
		pr.reject(err)
		return
	}
	_ = pr.resolver.Resolve(res)
}

// buildResponse decodes the negotiated content coding, so the promise
// carries the original body bytes.
func (cc *clientConn) buildResponse(raw *http.Response) (*Response, error) {
	body := raw.Body
	if encoding, ok := headerValue(raw.Headers, "Content-Encoding"); ok {
		coder, err := cc.c.coders.Lookup(encoding)
		if err != nil {
			return nil, err
		}
		decoded, err := coder.Decode(body)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %q body", encoding)
		}
		body = decoded
	}

	return &Response{
		Code:         raw.StatusCode,
		ReasonPhrase: raw.ReasonPhrase,
		Headers:      raw.Headers,
		Body:         body,
		RawBody:      raw.Body,
	}, nil
}

func headerValue(fields []http.Field, name string) (string, bool) {
	return http.HeaderValue(fields, name)
}
