package http

import (
	"bytes"

	"github.com/pkg/errors"
)

// ResponseMachine incrementally parses one inbound response on the
// client side. Unlike the request machine it carries no per-phase
// deadline of its own; the whole exchange runs under the request's
// single configured timeout, tracked by the client driver.
type ResponseMachine struct {
	opts MachineOptions

	state State
	buf   []byte

	headerBytes   uint
	line          statusLine
	headers       []Field
	contentLength uint
	body          []byte

	failure error
}

func NewResponseMachine(opts MachineOptions) *ResponseMachine {
	m := &ResponseMachine{opts: opts}
	m.Restart()
	return m
}

// Restart readies the machine for the next response on a reused
// connection, keeping pipelined leftovers buffered.
func (m *ResponseMachine) Restart() {
	m.state = AwaitingStatusLine
	m.headerBytes = 0
	m.line = statusLine{}
	m.headers = nil
	m.contentLength = 0
	m.body = nil
	m.failure = nil
}

func (m *ResponseMachine) State() State { return m.state }
func (m *ResponseMachine) Err() error   { return m.failure }

// Response returns the parsed response once the machine is Complete.
func (m *ResponseMachine) Response() *Response {
	if m.state != Complete {
		return nil
	}
	return &Response{
		Version:      m.line.Version,
		StatusCode:   m.line.StatusCode,
		ReasonPhrase: m.line.ReasonPhrase,
		Headers:      m.headers,
		Body:         m.body,
	}
}

// Expire forces the machine into TimedOut.
func (m *ResponseMachine) Expire() {
	if m.state.Terminal() {
		return
	}
	m.state = TimedOut
	m.failure = ErrTimeout
}

// Feed advances the machine with freshly read bytes.
func (m *ResponseMachine) Feed(data []byte) error {
	if m.state.Terminal() {
		if m.state == Complete {
			m.buf = append(m.buf, data...)
		}
		return m.failure
	}

	m.buf = append(m.buf, data...)

	for {
		switch m.state {
		case AwaitingStatusLine:
			line, ok, err := m.nextLine()
			if err != nil {
				return m.fail(err)
			}
			if !ok {
				return nil
			}
			if len(line) == 0 {
				continue
			}

			parsed, err := parseStatusLine(line)
			if err != nil {
				return m.fail(errors.Wrap(ErrMalformed, err.Error()))
			}
			m.line = parsed
			m.state = AwaitingHeaders

		case AwaitingHeaders:
			line, ok, err := m.nextLine()
			if err != nil {
				return m.fail(err)
			}
			if !ok {
				return nil
			}
			if len(line) > 0 {
				field, err := ParseField(line)
				if err != nil {
					return m.fail(errors.Wrap(ErrMalformed, err.Error()))
				}
				m.headers = append(m.headers, field)
				continue
			}

			if err := m.enterBody(); err != nil {
				return m.fail(err)
			}

		case AwaitingBody:
			remaining := m.contentLength - uint(len(m.body))
			take := uint(len(m.buf))
			if take > remaining {
				take = remaining
			}
			m.body = append(m.body, m.buf[:take]...)
			m.buf = m.buf[take:]
			if uint(len(m.body)) < m.contentLength {
				return nil
			}
			m.state = Complete
			return nil

		case Complete:
			return nil
		}
	}
}

func (m *ResponseMachine) enterBody() error {
	if _, ok := headerLookup(m.headers, "Transfer-Encoding"); ok {
		return ErrUnsupportedTransfer
	}

	// 1xx, 204 and 304 never carry a body.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
	code := m.line.StatusCode
	if code < 200 || code == 204 || code == 304 {
		m.state = Complete
		return nil
	}

	length, err := contentLength(m.headers)
	if err != nil {
		return err
	}

	if length == 0 {
		m.state = Complete
		return nil
	}
	if m.opts.MaxBodyBytes > 0 && length > m.opts.MaxBodyBytes {
		return ErrBodyTooLarge
	}

	m.contentLength = length
	m.state = AwaitingBody
	return nil
}

func (m *ResponseMachine) nextLine() (line []byte, ok bool, err error) {
	idx := bytes.IndexByte(m.buf, lf)
	if idx < 0 {
		if limit := m.opts.MaxHeaderBytes; limit > 0 && m.headerBytes+uint(len(m.buf)) > limit {
			return nil, false, ErrHeaderTooLarge
		}
		return nil, false, nil
	}

	raw := m.buf[:idx+1]
	if limit := m.opts.MaxHeaderBytes; limit > 0 && m.headerBytes+uint(len(raw)) > limit {
		return nil, false, ErrHeaderTooLarge
	}
	m.headerBytes += uint(len(raw))
	m.buf = m.buf[idx+1:]

	line = raw[:len(raw)-1]
	if len(line) > 0 && line[len(line)-1] == cr {
		return line[:len(line)-1], true, nil
	}
	if len(line) == 0 {
		return line, true, nil
	}
	return nil, false, errors.Wrap(ErrMalformed, "missing CR before LF")
}

func (m *ResponseMachine) fail(err error) error {
	m.state = Malformed
	m.failure = err
	return err
}
