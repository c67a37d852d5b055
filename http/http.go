// Package http implements the HTTP/1.1 framing layer of the engine:
// grammar types for request and status lines and header fields, and
// the incremental, buffer-fed parsing machines driven by the reactor.
//
// The package deliberately covers only the grammar the engine itself
// needs; richer header semantics belong to the application.
package http

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

const (
	cr   byte = '\r'
	lf   byte = '\n'
	sp   byte = ' '
	htab byte = '\t'
)

var crlf = []byte{cr, lf}

// Version is [Major, Minor].
type Version [2]uint

// Version11 is the only version the engine speaks.
var Version11 = Version{1, 1}

// ParseVersion parses http version text (e.g. "HTTP/1.1").
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	first, second, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	major, err1 := strconv.ParseUint(string(first), 10, 64)
	minor, err2 := strconv.ParseUint(string(second), 10, 64)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(major), uint(minor)}, nil
}

func (ver Version) Text() []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteString("HTTP/")
	buf.WriteString(strconv.FormatUint(uint64(ver[0]), 10))
	buf.WriteByte('.')
	buf.WriteString(strconv.FormatUint(uint64(ver[1]), 10))
	return buf.Bytes()
}

func (ver Version) String() string { return string(ver.Text()) }

type Field struct{ Name, Value string }

// ParseField parses one header field line.
func ParseField(fieldLine []byte) (Field, error) {
	name, value, found := bytes.Cut(fieldLine, []byte{':'})
	if !found {
		return Field{}, errors.Errorf("colon seperator not found on header: %q", string(fieldLine))
	}

	// No whitespace is allowed between field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	if len(name) == 0 || name[len(name)-1] == sp || name[len(name)-1] == htab {
		return Field{}, errors.New("field name is empty or has trailing whitespace")
	}
	if !isValidToken(string(name)) {
		return Field{}, errors.Errorf("field name is not a valid token: %q", string(name))
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	value = bytes.Trim(value, "\t ")

	return Field{Name: string(name), Value: string(value)}, nil
}

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func isValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if isAlpha(c) || isDigit(c) {
			continue
		}

		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+',
			'-', '.', '^', '_', '`', '|', '~':
			continue
		}

		return false
	}

	return true
}

func isAlpha(r rune) bool { return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') }
func isDigit(r rune) bool { return '0' <= r && r <= '9' }

// Request is a fully parsed inbound request.
type Request struct {
	Method  string
	Target  string
	Version Version
	Headers []Field

	Body []byte
}

// Header returns the value of the first field matching name,
// case-insensitively.
func (r *Request) Header(name string) (string, bool) {
	return headerLookup(r.Headers, name)
}

// Response is a fully parsed inbound response (client side).
type Response struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
	Headers      []Field

	Body []byte
}

func (r *Response) Header(name string) (string, bool) {
	return headerLookup(r.Headers, name)
}

// HeaderValue finds the first field matching name, case-insensitively.
func HeaderValue(fields []Field, name string) (string, bool) {
	return headerLookup(fields, name)
}

func headerLookup(fields []Field, name string) (string, bool) {
	for _, f := range fields {
		if equalFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
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

type requestLine struct {
	Method  string
	Target  string
	Version Version
}

func parseRequestLine(line []byte) (requestLine, error) {
	parts := bytes.Split(line, []byte{sp})
	if len(parts) != 3 {
		return requestLine{}, errors.New("request line is malformed")
	}

	method := string(parts[0])
	if !isValidToken(method) {
		return requestLine{}, errors.New("method is not a valid token")
	}

	target := string(parts[1])
	if len(target) == 0 {
		return requestLine{}, errors.New("request target should not be empty")
	}

	ver, err := ParseVersion(parts[2])
	if err != nil {
		return requestLine{}, errors.Wrap(err, "parsing version")
	}

	return requestLine{Method: method, Target: target, Version: ver}, nil
}

type statusLine struct {
	Version      Version
	StatusCode   uint
	ReasonPhrase string
}

func parseStatusLine(line []byte) (statusLine, error) {
	parts := bytes.SplitN(line, []byte{sp}, 3)
	if len(parts) < 2 {
		return statusLine{}, errors.New("status line is malformed")
	}

	ver, err := ParseVersion(parts[0])
	if err != nil {
		return statusLine{}, errors.Wrap(err, "parsing version")
	}

	statusCodeStr := string(parts[1])
	statusCode, err := strconv.ParseUint(statusCodeStr, 10, 64)
	if err != nil || len(statusCodeStr) != 3 {
		return statusLine{}, errors.Errorf("status code is malformed: %q", statusCodeStr)
	}

	// reason-phrase is optional.
	var reasonPhrase string
	if len(parts) == 3 {
		reasonPhrase = string(parts[2])
	}

	return statusLine{Version: ver, StatusCode: uint(statusCode), ReasonPhrase: reasonPhrase}, nil
}
