package http

import "github.com/pkg/errors"

var (
	// ErrTimeout marks a parsing phase that overran its deadline.
	ErrTimeout = errors.New("request phase timed out")

	// ErrMalformed marks an unparseable request or status line, or a
	// broken header field.
	ErrMalformed = errors.New("message is malformed")

	ErrRequestLineTooLong = errors.New("request line length exceeds limit")
	ErrHeaderTooLarge     = errors.New("header block exceeds limit")
	ErrBodyTooLarge       = errors.New("declared body length exceeds limit")

	// ErrUnsupportedTransfer: the engine frames bodies by
	// Content-Length only.
	ErrUnsupportedTransfer = errors.New("transfer codings are not supported")
)
