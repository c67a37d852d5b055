package coder

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

// deflateCoder implements the "deflate" content coding, which is the
// zlib framing despite its name.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.4.1.2
type deflateCoder struct{}

func (deflateCoder) Encoding() string { return "deflate" }

func (deflateCoder) Encode(src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	w, err := zlib.NewWriterLevel(buf, zlib.BestCompression)
	if err != nil {
		return nil, errors.Wrap(err, "creating zlib writer")
	}
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "deflate compressing body")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "flushing zlib stream")
	}

	return buf.Bytes(), nil
}

func (deflateCoder) Decode(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "reading zlib header")
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "deflate decompressing body")
	}

	return out, nil
}
