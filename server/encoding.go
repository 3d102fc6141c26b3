// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/hashicorp/h2"
)

// negotiateEncoding picks the first entry of an Accept-Encoding value that
// the server has enabled. Quality values are ignored; an empty result means
// the body goes out as is.
func negotiateEncoding(accept string, gzipOn, deflateOn bool) string {
	if accept == "" {
		return ""
	}
	for _, enc := range strings.Split(accept, ",") {
		enc = strings.TrimSpace(enc)
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		switch strings.ToLower(enc) {
		case h2.GzipEncoding:
			if gzipOn {
				return h2.GzipEncoding
			}
		case h2.DeflateEncoding:
			if deflateOn {
				return h2.DeflateEncoding
			}
		}
	}
	return ""
}

// encoder is a compressing writer that can push out what it has so far.
type encoder interface {
	io.WriteCloser
	Flush() error
}

// newEncoder returns a writer compressing into w with the named encoding.
// "deflate" is the zlib format, which is what clients expect despite the
// name.
func newEncoder(encoding string, w io.Writer) (encoder, error) {
	switch encoding {
	case h2.GzipEncoding:
		return gzip.NewWriter(w), nil
	case h2.DeflateEncoding:
		return zlib.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// encodeBody compresses p with the named encoding.
func encodeBody(encoding string, p []byte) ([]byte, error) {
	if encoding == "" {
		return p, nil
	}
	var buf bytes.Buffer
	w, err := newEncoder(encoding, &buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
