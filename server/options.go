package server

import "time"

// Options configure an endpoint. The value is copied at New and never
// read from the caller again.
type Options struct {
	// Threads is the reactor worker count. Values below 1 mean 1.
	Threads int

	// HeaderTimeout bounds the time from connection registration (or
	// from the previous exchange on a persistent connection) until the
	// full header block is parsed. Zero disables it.
	HeaderTimeout time.Duration

	// BodyTimeout bounds the time from header completion until the
	// declared body fully arrives. Zero disables it.
	BodyTimeout time.Duration

	// MaxHeaderBytes bounds the request line plus header block.
	MaxHeaderBytes uint

	// MaxBodyBytes bounds the declared request body length.
	MaxBodyBytes uint

	// MaxResponseBytes bounds the encoded response body. Zero
	// disables the check.
	MaxResponseBytes uint

	ReuseAddr bool
	ReusePort bool
}

var DefaultOptions = Options{
	Threads:        1,
	HeaderTimeout:  60 * time.Second,
	BodyTimeout:    60 * time.Second,
	MaxHeaderBytes: 8 << 10,
	ReuseAddr:      true,
}
