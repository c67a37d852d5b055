package server

import (
	"asynchttp/http"
	"asynchttp/peer"
)

// Handler receives every fully parsed request. It runs on a reactor
// worker and must not block it for unbounded time.
type Handler interface {
	OnRequest(req *http.Request, w *ResponseWriter)
}

// Disconnecter is optionally implemented by handlers that want to be
// told when a peer goes away. The notification fires exactly once per
// accepted connection, synchronously on the owning worker, before the
// peer identifier is retired.
type Disconnecter interface {
	OnDisconnection(p *peer.Peer)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *http.Request, w *ResponseWriter)

func (f HandlerFunc) OnRequest(req *http.Request, w *ResponseWriter) { f(req, w) }
