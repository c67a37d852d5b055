package client

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"asynchttp/async"
	"asynchttp/http"
)

// RequestBuilder accumulates one outbound request. Send may be called
// repeatedly to issue the same request again; every call returns a
// fresh promise.
type RequestBuilder struct {
	c *Client

	method  string
	rawurl  string
	headers []http.Field
	body    []byte
	timeout time.Duration
}

func (c *Client) newBuilder(method, rawurl string) *RequestBuilder {
	return &RequestBuilder{
		c:       c,
		method:  method,
		rawurl:  rawurl,
		timeout: c.opts.RequestTimeout,
	}
}

func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.headers = append(b.headers, http.Field{Name: name, Value: value})
	return b
}

func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.body = body
	return b
}

// Timeout sets this request's deadline, independent of any aggregate
// wait the caller performs on the returned promises.
func (b *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	b.timeout = d
	return b
}

// Send serializes the request and begins transmission immediately.
// The promise settles with the parsed response, or rejects on
// timeout, connection failure or shutdown.
func (b *RequestBuilder) Send() *async.Promise[*Response] {
	promise, resolver := async.NewWithLogger[*Response](b.c.logger)

	host, target, err := splitURL(b.rawurl)
	if err != nil {
		_ = resolver.Reject(err)
		return promise
	}

	headers := make([]http.Field, 0, len(b.headers)+1)
	headers = append(headers, http.Field{Name: "Host", Value: host})
	headers = append(headers, b.headers...)

	raw := http.AppendRequest(nil, b.method, target, headers, b.body)

	var deadline time.Time
	if b.timeout > 0 {
		deadline = b.c.clk.Now().Add(b.timeout)
	}

	b.c.dispatch(host, &pendingRequest{
		resolver: resolver,
		raw:      raw,
		deadline: deadline,
	})

	return promise
}

// splitURL accepts "http://host:port/path" as well as the bare
// "host:port/path" form.
func splitURL(rawurl string) (host, target string, _ error) {
	if !strings.Contains(rawurl, "://") {
		rawurl = "http://" + rawurl
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return "", "", errors.Wrap(err, "parsing url")
	}
	if u.Scheme != "http" {
		return "", "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.Errorf("url %q has no host", rawurl)
	}

	host = u.Host
	if u.Port() == "" {
		host += ":80"
	}

	target = u.RequestURI()
	if target == "" {
		target = "/"
	}

	return host, target, nil
}
