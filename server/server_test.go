package server

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"asynchttp/http"
	"asynchttp/http/coder"
	"asynchttp/http/status"
	"asynchttp/peer"
)

type EndpointTestSuite struct {
	suite.Suite

	logger    *slog.Logger
	endpoints []*Endpoint
}

func TestEndpointTestSuite(t *testing.T) {
	suite.Run(t, new(EndpointTestSuite))
}

func (s *EndpointTestSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.endpoints = nil
}

func (s *EndpointTestSuite) TearDownTest() {
	for _, e := range s.endpoints {
		s.Require().NoError(e.Shutdown())
	}
}

// serve starts an endpoint on a free port and returns it.
func (s *EndpointTestSuite) serve(opts Options, h Handler) *Endpoint {
	e := New("127.0.0.1:0", s.logger, clock.New(), opts)
	e.SetHandler(h)
	s.Require().NoError(e.ServeThreaded())
	s.endpoints = append(s.endpoints, e)
	return e
}

func echoOptions() Options {
	opts := DefaultOptions
	opts.HeaderTimeout = 5 * time.Second
	opts.BodyTimeout = 5 * time.Second
	return opts
}

// echoBody answers every request with its own body.
var echoBody = HandlerFunc(func(req *http.Request, w *ResponseWriter) {
	_ = w.Send(status.OK, req.Body)
})

func (s *EndpointTestSuite) dial(e *Endpoint) net.Conn {
	conn, err := net.Dial("tcp", e.Addr())
	s.Require().NoError(err)
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readResponse parses one full response off the wire.
func (s *EndpointTestSuite) readResponse(conn net.Conn) *http.Response {
	m := http.NewResponseMachine(http.MachineOptions{})

	buf := make([]byte, 4096)
	for m.State() != http.Complete {
		n, err := conn.Read(buf)
		if n > 0 {
			s.Require().NoError(m.Feed(buf[:n]))
		}
		if err != nil {
			s.Require().Equal(http.Complete, m.State(), "connection ended mid-response: %v", err)
			break
		}
	}

	return m.Response()
}

// readAll drains the connection until the server closes it.
func (s *EndpointTestSuite) readAll(conn net.Conn) string {
	data, err := io.ReadAll(conn)
	if err != nil {
		// A reset after the terminal response is fine; the bytes that
		// arrived are what matters.
		s.T().Logf("read ended with: %v", err)
	}
	return string(data)
}

func (s *EndpointTestSuite) TestEcho() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "POST", "/echo", []http.Field{
		{Name: "Host", Value: "localhost"},
	}, []byte("hello there")))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(200), res.StatusCode)
	s.Equal([]byte("hello there"), res.Body)
}

func (s *EndpointTestSuite) TestHandlerSeesRequest() {
	type seen struct {
		method, target, host string
	}
	got := make(chan seen, 1)

	e := s.serve(echoOptions(), HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		host, _ := req.Header("Host")
		got <- seen{req.Method, req.Target, host}
		_ = w.Send(status.NoContent, nil)
	}))

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("GET /some/path?q=1 HTTP/1.1\r\nHost: unit\r\n\r\n"))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(204), res.StatusCode)

	s.Equal(seen{"GET", "/some/path?q=1", "unit"}, <-got)
}

func (s *EndpointTestSuite) TestPersistentConnection() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	for _, body := range []string{"first", "second", "third"} {
		_, err := conn.Write(http.AppendRequest(nil, "POST", "/", nil, []byte(body)))
		s.Require().NoError(err)

		res := s.readResponse(conn)
		s.Equal(uint(200), res.StatusCode)
		s.Equal(body, string(res.Body))
	}
}

func (s *EndpointTestSuite) TestPipelinedRequests() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// Both requests in one write; responses must come back in order.
	raw := http.AppendRequest(nil, "POST", "/", nil, []byte("one"))
	raw = http.AppendRequest(raw, "POST", "/", nil, []byte("two"))
	_, err := conn.Write(raw)
	s.Require().NoError(err)

	s.Equal("one", string(s.readResponse(conn).Body))
	s.Equal("two", string(s.readResponse(conn).Body))
}

func (s *EndpointTestSuite) TestConnectionCloseHonored() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.Contains(raw, "HTTP/1.1 200 OK\r\n")
	s.Contains(raw, "Connection: close\r\n")
}

func (s *EndpointTestSuite) timeoutOptions() Options {
	opts := DefaultOptions
	opts.HeaderTimeout = 200 * time.Millisecond
	opts.BodyTimeout = 200 * time.Millisecond
	return opts
}

func (s *EndpointTestSuite) TestHeaderTimeoutOnSilentConnection() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// Connect and send nothing at all.
	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 408 Request Timeout\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestHeaderTimeoutOnDripFedRequestLine() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// Trickle bytes slower than the request completes. Partial input
	// must not push the deadline out.
	go func() {
		for _, b := range []byte("GET /slow HTTP/1.1\r\n") {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(30 * time.Millisecond)
		}
	}()

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 408 Request Timeout\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestHeaderTimeoutOnStalledHeaders() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// A complete request line, then silence mid-headers.
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: localho"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 408 Request Timeout\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestBodyTimeout() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// Headers arrive promptly; the declared body never does.
	_, err := conn.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\npartial"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 408 Request Timeout\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestBodyArrivingWithinWindowSucceeds() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 8\r\n\r\nfour"))
	s.Require().NoError(err)

	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write([]byte("more"))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(200), res.StatusCode)
	s.Equal("fourmore", string(res.Body))
}

func (s *EndpointTestSuite) TestHeaderClockRestartsPerExchange() {
	e := s.serve(s.timeoutOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	// Each exchange gets a fresh header window, so three quick
	// requests spread over more than one timeout still succeed.
	for i := 0; i < 3; i++ {
		_, err := conn.Write(http.AppendRequest(nil, "POST", "/", nil, []byte("x")))
		s.Require().NoError(err)
		s.Equal(uint(200), s.readResponse(conn).StatusCode)
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *EndpointTestSuite) TestMalformedRequestRefused() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("NOT A REQUEST LINE AT ALL\r\n"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 400 Bad Request\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestTransferEncodingRefused() {
	e := s.serve(echoOptions(), echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 501 Not Implemented\r\n"), "got: %q", raw)
}

func (s *EndpointTestSuite) TestOversizedHeadersRefused() {
	opts := echoOptions()
	opts.MaxHeaderBytes = 128

	e := s.serve(opts, echoBody)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 256) + "\r\n\r\n"))
	s.Require().NoError(err)

	raw := s.readAll(conn)
	s.True(strings.HasPrefix(raw, "HTTP/1.1 431 "), "got: %q", raw)
}

// countingHandler tracks disconnect notifications.
type countingHandler struct {
	disconnects atomic.Int64
	wg          sync.WaitGroup
}

func (h *countingHandler) OnRequest(req *http.Request, w *ResponseWriter) {
	_ = w.Send(status.OK, nil)
}

func (h *countingHandler) OnDisconnection(p *peer.Peer) {
	h.disconnects.Add(1)
	h.wg.Done()
}

func (s *EndpointTestSuite) TestDisconnectNotifiedOncePerConnection() {
	const conns = 5

	h := &countingHandler{}
	h.wg.Add(conns)

	e := s.serve(echoOptions(), h)

	for i := 0; i < conns; i++ {
		conn := s.dial(e)

		// One exchange, then a client-side close.
		_, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil))
		s.Require().NoError(err)
		s.readResponse(conn)
		s.Require().NoError(conn.Close())
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("disconnect notifications did not arrive")
	}

	s.Equal(int64(conns), h.disconnects.Load())
	s.Equal(0, e.Registry().Len())
}

func (s *EndpointTestSuite) TestPeerResolvableInsideDisconnect() {
	type result struct {
		registered bool
		addr       string
	}
	got := make(chan result, 1)

	var e *Endpoint
	h := &hookHandler{
		onRequest: func(req *http.Request, w *ResponseWriter) { _ = w.Send(status.OK, nil) },
		onDisconnection: func(p *peer.Peer) {
			_, err := e.Registry().Lookup(p.ID())
			got <- result{registered: err == nil, addr: p.Addr()}
		},
	}
	e = s.serve(echoOptions(), h)

	conn := s.dial(e)
	_, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil))
	s.Require().NoError(err)
	s.readResponse(conn)
	s.Require().NoError(conn.Close())

	select {
	case r := <-got:
		s.True(r.registered, "peer was retired before notification")
		s.NotEmpty(r.addr)
	case <-time.After(5 * time.Second):
		s.FailNow("disconnect notification did not arrive")
	}
}

type hookHandler struct {
	onRequest       func(req *http.Request, w *ResponseWriter)
	onDisconnection func(p *peer.Peer)
}

func (h *hookHandler) OnRequest(req *http.Request, w *ResponseWriter) { h.onRequest(req, w) }
func (h *hookHandler) OnDisconnection(p *peer.Peer)                   { h.onDisconnection(p) }

// negotiatingEcho compresses the echoed body per the client's
// Accept-Encoding, refusing requests that rule every coding out.
var negotiatingEcho = HandlerFunc(func(req *http.Request, w *ResponseWriter) {
	encoding, err := w.BestEncoding(req)
	if err != nil {
		_ = w.SendError(err)
		return
	}
	_ = w.SetCompression(encoding)
	_ = w.Send(status.OK, req.Body)
})

func (s *EndpointTestSuite) TestCompressionNegotiated() {
	body := []byte(strings.Repeat("compress me please ", 100))

	e := s.serve(echoOptions(), negotiatingEcho)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "POST", "/", []http.Field{
		{Name: "Accept-Encoding", Value: "deflate"},
	}, body))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(200), res.StatusCode)

	encoding, ok := res.Header("Content-Encoding")
	s.Require().True(ok)
	s.Equal("deflate", encoding)

	// The wire body is transformed, not the original bytes.
	s.False(bytes.Equal(res.Body, body))

	c, err := coder.NewRegistry().Lookup("deflate")
	s.Require().NoError(err)
	decoded, err := c.Decode(res.Body)
	s.Require().NoError(err)
	s.Equal(body, decoded)
}

func (s *EndpointTestSuite) TestCompressionFallsBackToIdentity() {
	e := s.serve(echoOptions(), negotiatingEcho)

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "POST", "/", []http.Field{
		{Name: "Accept-Encoding", Value: "br"},
	}, []byte("as is")))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	_, hasEncoding := res.Header("Content-Encoding")
	s.False(hasEncoding)
	s.Equal("as is", string(res.Body))
}

func (s *EndpointTestSuite) TestForbiddenIdentityAnswers406() {
	e := s.serve(echoOptions(), negotiatingEcho)

	conn := s.dial(e)
	defer conn.Close()

	// The client rules out identity and offers nothing the server
	// supports; the fallback must not be an identity-coded 200.
	_, err := conn.Write(http.AppendRequest(nil, "POST", "/", []http.Field{
		{Name: "Accept-Encoding", Value: "identity;q=0, br"},
	}, []byte("body")))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(406), res.StatusCode)
	s.Equal("Not Acceptable", res.ReasonPhrase)
}

func (s *EndpointTestSuite) TestSendErrorCarriesStatus() {
	e := s.serve(echoOptions(), HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		switch req.Target {
		case "/forbidden":
			_ = w.SendError(status.NewError(errors.New("token rejected"), status.Forbidden))
		default:
			_ = w.SendError(errors.New("unexpected"))
		}
	}))

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "GET", "/forbidden", nil, nil))
	s.Require().NoError(err)

	res := s.readResponse(conn)
	s.Equal(uint(403), res.StatusCode)
	s.Equal("Forbidden", string(res.Body))

	_, err = conn.Write(http.AppendRequest(nil, "GET", "/other", nil, nil))
	s.Require().NoError(err)

	s.Equal(uint(500), s.readResponse(conn).StatusCode)
}

func (s *EndpointTestSuite) TestSecondSendFails() {
	errs := make(chan error, 1)

	e := s.serve(echoOptions(), HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		_ = w.Send(status.OK, []byte("first"))
		errs <- w.Send(status.OK, []byte("second"))
	}))

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil))
	s.Require().NoError(err)

	s.Equal("first", string(s.readResponse(conn).Body))
	s.ErrorIs(<-errs, ErrAlreadySent)
}

func (s *EndpointTestSuite) TestDeferredResponseFromAnotherGoroutine() {
	e := s.serve(echoOptions(), HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = w.Send(status.OK, []byte("late"))
		}()
	}))

	conn := s.dial(e)
	defer conn.Close()

	_, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil))
	s.Require().NoError(err)

	s.Equal("late", string(s.readResponse(conn).Body))
}

func (s *EndpointTestSuite) TestAddrAvailableAfterServe() {
	e := s.serve(echoOptions(), echoBody)

	_, port, err := net.SplitHostPort(e.Addr())
	s.Require().NoError(err)
	s.NotEqual("0", port)
}

func countOpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

// serveOnce runs one endpoint through a full exchange and Shutdown.
func serveOnce(t *testing.T, conns int) {
	t.Helper()

	e := New("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)), clock.New(), DefaultOptions)
	e.SetHandler(HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		_ = w.Send(status.OK, req.Body)
	}))
	if err := e.ServeThreaded(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < conns; i++ {
		conn, err := net.Dial("tcp", e.Addr())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil)); err != nil {
			t.Fatal(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Read(make([]byte, 512)); err != nil {
			t.Fatal(err)
		}
		if err := conn.Close(); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownClosesAllDescriptors(t *testing.T) {
	// Warm up once so the runtime's lazily created descriptors (net
	// poller and friends) exist before the baseline is taken.
	serveOnce(t, 1)

	before := countOpenFDs(t)
	serveOnce(t, 4)
	after := countOpenFDs(t)

	if after != before {
		t.Fatalf("descriptor leak: %d open before, %d after shutdown", before, after)
	}
}

func TestEndpointShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := New("127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)), clock.New(), DefaultOptions)
	e.SetHandler(HandlerFunc(func(req *http.Request, w *ResponseWriter) {
		_ = w.Send(status.OK, nil)
	}))
	if err := e.ServeThreaded(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", e.Addr())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(http.AppendRequest(nil, "GET", "/", nil, nil)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if err := e.Shutdown(); err != nil {
		t.Fatal(err)
	}
}
