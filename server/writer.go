package server

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"asynchttp/http"
	"asynchttp/http/coder"
	"asynchttp/http/status"
	"asynchttp/peer"
)

var zeroTime time.Time

const coderIdentity = coder.Identity

// ErrAlreadySent is returned by a second Send on the same writer.
var ErrAlreadySent = errors.New("response was already sent")

// ResponseWriter is the capability handed to the handler for exactly
// one exchange. It may be used from any goroutine; the actual wire
// work is marshalled onto the connection's owning worker.
type ResponseWriter struct {
	sc   *serverConn
	peer *peer.Peer

	closeAfter bool

	mu       sync.Mutex
	sent     bool
	encoding string
	size     int
	code     uint
}

// Peer identifies the connection this response goes to.
func (w *ResponseWriter) Peer() *peer.Peer { return w.peer }

// SetCompression selects the content coding applied by Send. Use
// [ResponseWriter.BestEncoding] to honor the client's preference.
func (w *ResponseWriter) SetCompression(encoding string) error {
	if !w.sc.e.coders.Supports(encoding) {
		return errors.Errorf("unsupported content coding %q", encoding)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent {
		return ErrAlreadySent
	}
	w.encoding = encoding
	return nil
}

// BestEncoding negotiates the request's Accept-Encoding list against
// the server's supported codings. It fails with coder.ErrNotAcceptable
// when the client ruled out every coding, identity included; pass that
// to [ResponseWriter.SendError] to answer 406.
func (w *ResponseWriter) BestEncoding(req *http.Request) (string, error) {
	accept, _ := req.Header("Accept-Encoding")
	return w.sc.e.coders.Negotiate(accept)
}

// SendError resolves err into the terminal response for this
// exchange. A status.Error supplies its own status, a failed coding
// negotiation maps to 406, anything else is an internal server error.
func (w *ResponseWriter) SendError(err error) error {
	st := status.InternalServerError

	var serr status.Error
	switch {
	case errors.As(err, &serr):
		st = serr.Status
	case errors.Is(err, coder.ErrNotAcceptable):
		st = status.NotAcceptable
	}

	return w.Send(st, []byte(st.ReasonPhrase))
}

// Send serializes and queues the response. It settles the exchange:
// a second call fails with ErrAlreadySent. Encoded size and status
// code remain readable afterwards.
func (w *ResponseWriter) Send(st status.Status, body []byte) error {
	w.mu.Lock()
	if w.sent {
		w.mu.Unlock()
		return ErrAlreadySent
	}
	w.sent = true
	encoding := w.encoding
	w.mu.Unlock()

	c, err := w.sc.e.coders.Lookup(encoding)
	if err != nil {
		return err
	}
	encoded, err := c.Encode(body)
	if err != nil {
		return errors.Wrapf(err, "applying content coding %q", encoding)
	}

	if limit := w.sc.e.opts.MaxResponseBytes; limit > 0 && uint(len(encoded)) > limit {
		return errors.Errorf("encoded response of %d bytes exceeds limit", len(encoded))
	}

	var headers []http.Field
	if encoding != coderIdentity {
		headers = append(headers, http.Field{Name: "Content-Encoding", Value: encoding})
	}
	if w.closeAfter {
		headers = append(headers, http.Field{Name: "Connection", Value: "close"})
	}

	buf := http.AppendResponse(nil, st, headers, encoded)

	w.mu.Lock()
	w.size = len(encoded)
	w.code = st.Code
	w.mu.Unlock()

	closeAfter := w.closeAfter
	sc := w.sc
	return sc.c.Submit(func() {
		if sc.c.Closed() {
			return
		}
		sc.c.Write(buf)
		sc.completeExchange(closeAfter)
	})
}

// ResponseSize returns the encoded body length of the sent response.
func (w *ResponseWriter) ResponseSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// ResponseCode returns the status code of the sent response.
func (w *ResponseWriter) ResponseCode() uint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code
}
