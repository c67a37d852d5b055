// Package coder provides the content-coding collaborators used for
// response compression and client-side decompression, plus the
// Accept-Encoding negotiation that picks one.
package coder

import "github.com/pkg/errors"

// Identity is the name of the pass-through coding.
const Identity = "identity"

// ErrUnsupportedCoding is returned for codings absent from a registry.
var ErrUnsupportedCoding = errors.New("unsupported content coding")

// Coder transforms whole message bodies. Failures are reported, never
// silently passed through, except for the identity coder whose
// transform is the identity function by definition.
type Coder interface {
	Encoding() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

type identityCoder struct{}

func (identityCoder) Encoding() string                  { return Identity }
func (identityCoder) Encode(src []byte) ([]byte, error) { return src, nil }
func (identityCoder) Decode(src []byte) ([]byte, error) { return src, nil }

// Registry holds the codings a peer supports, in server preference
// order. Identity is always present.
type Registry struct {
	coders []Coder
}

// NewRegistry builds a registry with gzip, deflate and identity.
func NewRegistry() *Registry {
	return &Registry{coders: []Coder{
		gzipCoder{},
		deflateCoder{},
		identityCoder{},
	}}
}

// Lookup finds the coder for an encoding name.
func (r *Registry) Lookup(encoding string) (Coder, error) {
	for _, c := range r.coders {
		if equalFold(c.Encoding(), encoding) {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrUnsupportedCoding, "%q", encoding)
}

// Supports reports whether encoding names a registered coder.
func (r *Registry) Supports(encoding string) bool {
	_, err := r.Lookup(encoding)
	return err == nil
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
