package client

import "asynchttp/http"

// Response is a completed exchange as seen by the caller. Body holds
// the content-decoded bytes; RawBody the bytes as they crossed the
// wire.
type Response struct {
	Code         uint
	ReasonPhrase string
	Headers      []http.Field

	Body    []byte
	RawBody []byte
}

// Header returns the value of the first field matching name,
// case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	return headerValue(r.Headers, name)
}
