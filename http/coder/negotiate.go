package coder

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotAcceptable is returned when the client's preferences rule out
// every coding the registry supports, identity included.
var ErrNotAcceptable = errors.New("no acceptable content coding")

// Negotiate matches an Accept-Encoding header value against the
// registry and returns the client's most-preferred supported coding.
// Absent or unmatchable preferences fall back to identity, except
// when the client forbids it ("identity;q=0" or "*;q=0"): then the
// fallback is gone and an unmatchable list fails with
// ErrNotAcceptable. Ties on quality go to the coding listed first by
// the client.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-12.5.3
func (r *Registry) Negotiate(acceptEncoding string) (string, error) {
	if strings.TrimSpace(acceptEncoding) == "" {
		return Identity, nil
	}

	best := ""
	bestQ := 0.0
	identityForbidden := false

	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parsePreference(part)
		if name == "" {
			continue
		}
		if q <= 0 {
			if name == Identity || name == "*" {
				identityForbidden = true
			}
			continue
		}
		if name != "*" && !r.Supports(name) {
			continue
		}
		if name == "*" {
			// Wildcard prefers the server's own ordering.
			name = r.coders[0].Encoding()
		}
		if q > bestQ {
			best, bestQ = name, q
		}
	}

	if best != "" {
		return best, nil
	}
	if identityForbidden {
		return "", errors.Wrapf(ErrNotAcceptable, "%q", acceptEncoding)
	}
	return Identity, nil
}

func parsePreference(part string) (name string, q float64) {
	q = 1.0

	fields := strings.Split(part, ";")
	name = strings.ToLower(strings.TrimSpace(fields[0]))

	for _, param := range fields[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || strings.TrimSpace(key) != "q" {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return name, 0
		}
		q = parsed
	}

	return name, q
}
