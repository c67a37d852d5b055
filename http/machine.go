package http

import (
	"bytes"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// State of an incremental parsing machine.
type State uint8

const (
	AwaitingRequestLine State = iota
	AwaitingHeaders
	AwaitingBody
	Complete
	TimedOut
	Malformed
)

// AwaitingStatusLine aliases the initial state for the response
// machine, where the first line is a status line.
const AwaitingStatusLine = AwaitingRequestLine

func (s State) Terminal() bool { return s >= Complete }

func (s State) String() string {
	switch s {
	case AwaitingRequestLine:
		return "awaiting-request-line"
	case AwaitingHeaders:
		return "awaiting-headers"
	case AwaitingBody:
		return "awaiting-body"
	case Complete:
		return "complete"
	case TimedOut:
		return "timed-out"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

type MachineOptions struct {
	// MaxHeaderBytes bounds the request/status line plus all field
	// lines, terminators included. Zero means unbounded.
	MaxHeaderBytes uint

	// MaxBodyBytes bounds the declared content length. Zero means
	// unbounded.
	MaxBodyBytes uint
}

// RequestMachine incrementally parses one inbound request. It is fed
// raw bytes by the owning reactor worker and never blocks.
//
// Phase clocks are sampled at phase entry only: the header clock
// starts at Restart, the body clock on the transition into
// AwaitingBody. Bytes arriving within a phase do not reset its clock,
// so a drip-feeding client still hits the deadline.
type RequestMachine struct {
	opts MachineOptions
	clk  clock.Clock

	state State
	buf   []byte // unconsumed bytes carried across feeds

	headerBytes   uint
	line          requestLine
	headers       []Field
	contentLength uint
	body          []byte

	headerStart time.Time
	bodyStart   time.Time
	failure     error
}

func NewRequestMachine(clk clock.Clock, opts MachineOptions) *RequestMachine {
	m := &RequestMachine{clk: clk, opts: opts}
	m.Restart()
	return m
}

// Restart returns the machine to AwaitingRequestLine and starts the
// header phase clock. Called at connection registration and again
// after each completed exchange on a persistent connection. Bytes
// already buffered beyond the previous request (pipelined input) are
// kept.
func (m *RequestMachine) Restart() {
	m.state = AwaitingRequestLine
	m.headerBytes = 0
	m.line = requestLine{}
	m.headers = nil
	m.contentLength = 0
	m.body = nil
	m.failure = nil
	m.headerStart = m.clk.Now()
	m.bodyStart = time.Time{}
}

func (m *RequestMachine) State() State { return m.state }

// Err returns the failure that forced a terminal Malformed or
// TimedOut state.
func (m *RequestMachine) Err() error { return m.failure }

// Request returns the parsed request once the machine is Complete.
func (m *RequestMachine) Request() *Request {
	if m.state != Complete {
		return nil
	}
	return &Request{
		Method:  m.line.Method,
		Target:  m.line.Target,
		Version: m.line.Version,
		Headers: m.headers,
		Body:    m.body,
	}
}

// Deadline returns the wall-clock deadline of the phase the machine is
// currently in, or the zero time when no deadline applies.
func (m *RequestMachine) Deadline(headerTimeout, bodyTimeout time.Duration) time.Time {
	switch m.state {
	case AwaitingRequestLine, AwaitingHeaders:
		if headerTimeout > 0 {
			return m.headerStart.Add(headerTimeout)
		}
	case AwaitingBody:
		if bodyTimeout > 0 {
			return m.bodyStart.Add(bodyTimeout)
		}
	}
	return time.Time{}
}

// Expire forces the machine into TimedOut. It is a no-op on a
// terminal machine.
func (m *RequestMachine) Expire() {
	if m.state.Terminal() {
		return
	}
	m.state = TimedOut
	m.failure = ErrTimeout
}

// Feed advances the machine with freshly read bytes. It consumes as
// much input as the current state allows and returns the failure that
// moved the machine to Malformed, if any. Bytes beyond a completed
// request stay buffered for the next exchange.
func (m *RequestMachine) Feed(data []byte) error {
	if m.state.Terminal() {
		// Keep buffering so pipelined bytes survive until Restart.
		if m.state == Complete {
			m.buf = append(m.buf, data...)
		}
		return m.failure
	}

	m.buf = append(m.buf, data...)

	for {
		switch m.state {
		case AwaitingRequestLine:
			line, ok, err := m.nextLine(ErrRequestLineTooLong)
			if err != nil {
				return m.fail(err)
			}
			if !ok {
				return nil
			}
			// Empty lines before the request line are tolerated.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
			if len(line) == 0 {
				continue
			}

			parsed, err := parseRequestLine(line)
			if err != nil {
				return m.fail(errors.Wrap(ErrMalformed, err.Error()))
			}
			m.line = parsed
			m.state = AwaitingHeaders

		case AwaitingHeaders:
			line, ok, err := m.nextLine(ErrHeaderTooLarge)
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

			// Empty line: header block is done.
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

func (m *RequestMachine) enterBody() error {
	if _, ok := headerLookup(m.headers, "Transfer-Encoding"); ok {
		return ErrUnsupportedTransfer
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
	m.bodyStart = m.clk.Now()
	return nil
}

// nextLine cuts one CRLF-terminated line off the buffer. ok is false
// when the terminator has not arrived yet. tooLong is the error used
// when the accumulated header bytes overrun the configured limit,
// which is enforced even before a terminator shows up.
func (m *RequestMachine) nextLine(tooLong error) (line []byte, ok bool, err error) {
	idx := bytes.IndexByte(m.buf, lf)
	if idx < 0 {
		if limit := m.opts.MaxHeaderBytes; limit > 0 && m.headerBytes+uint(len(m.buf)) > limit {
			return nil, false, tooLong
		}
		return nil, false, nil
	}

	raw := m.buf[:idx+1]
	if limit := m.opts.MaxHeaderBytes; limit > 0 && m.headerBytes+uint(len(raw)) > limit {
		return nil, false, tooLong
	}
	m.headerBytes += uint(len(raw))
	m.buf = m.buf[idx+1:]

	line = raw[:len(raw)-1]
	if len(line) > 0 && line[len(line)-1] == cr {
		return line[:len(line)-1], true, nil
	}
	if len(line) == 0 {
		// A lone LF before any content; treat as an empty line.
		return line, true, nil
	}
	return nil, false, errors.Wrap(ErrMalformed, "missing CR before LF")
}

func (m *RequestMachine) fail(err error) error {
	m.state = Malformed
	m.failure = err
	return err
}

func contentLength(headers []Field) (uint, error) {
	v, ok := headerLookup(headers, "Content-Length")
	if !ok {
		return 0, nil
	}
	length, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "content length is not a number: %q", v)
	}
	return uint(length), nil
}
