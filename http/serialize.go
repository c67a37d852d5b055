package http

import (
	"strconv"

	"asynchttp/http/status"
)

// AppendResponse serializes a full response, Content-Length included,
// and returns the extended buffer. The timeout path depends on the
// exact "HTTP/1.1 408 Request Timeout" status line this produces.
func AppendResponse(dst []byte, st status.Status, headers []Field, body []byte) []byte {
	dst = append(dst, Version11.Text()...)
	dst = append(dst, sp)
	dst = strconv.AppendUint(dst, uint64(st.Code), 10)
	dst = append(dst, sp)
	dst = append(dst, st.ReasonPhrase...)
	dst = append(dst, crlf...)

	for _, f := range headers {
		dst = appendField(dst, f)
	}
	dst = appendField(dst, Field{
		Name:  "Content-Length",
		Value: strconv.Itoa(len(body)),
	})

	dst = append(dst, crlf...)
	dst = append(dst, body...)
	return dst
}

// AppendRequest serializes a full request, Content-Length included
// when a body is present.
func AppendRequest(dst []byte, method, target string, headers []Field, body []byte) []byte {
	dst = append(dst, method...)
	dst = append(dst, sp)
	dst = append(dst, target...)
	dst = append(dst, sp)
	dst = append(dst, Version11.Text()...)
	dst = append(dst, crlf...)

	for _, f := range headers {
		dst = appendField(dst, f)
	}
	if len(body) > 0 {
		dst = appendField(dst, Field{
			Name:  "Content-Length",
			Value: strconv.Itoa(len(body)),
		})
	}

	dst = append(dst, crlf...)
	dst = append(dst, body...)
	return dst
}

func appendField(dst []byte, f Field) []byte {
	dst = append(dst, f.Name...)
	dst = append(dst, ':', sp)
	dst = append(dst, f.Value...)
	dst = append(dst, crlf...)
	return dst
}
