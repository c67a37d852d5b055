package coder

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

type gzipCoder struct{}

func (gzipCoder) Encoding() string { return "gzip" }

func (gzipCoder) Encode(src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	w := gzip.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "gzip compressing body")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "flushing gzip stream")
	}

	return buf.Bytes(), nil
}

func (gzipCoder) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "reading gzip header")
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "gzip decompressing body")
	}

	return out, nil
}
