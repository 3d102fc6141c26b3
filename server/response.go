// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"fmt"
	"iter"
	"strconv"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
)

// BodyTypeError is returned when a response body is neither a string nor a
// finite sequence of strings.
type BodyTypeError struct {
	Body interface{}
}

func (e *BodyTypeError) Error() string {
	return fmt.Sprintf("can't render %T as a response body", e.Body)
}

// StatusError is returned for a status outside the three digit range.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid response status: %d", e.Status)
}

// Response is the outbound half of a Stream.
//
// A body may be nil, a string, a []byte, a []string or an iter.Seq[string].
// The last two are sent one DATA frame per element and carry neither a
// content-length nor a content-encoding.
type Response struct {
	stream  *Stream
	status  int
	headers header.Map

	body   []byte
	chunks iter.Seq[string]

	contentLength string
}

// NewResponse validates status and body and prepares the headers: the
// content-encoding negotiated with the request and, for a fixed body, the
// content-length unless headers already has one.
func NewResponse(s *Stream, status int, headers map[string]interface{}, body interface{}) (*Response, error) {
	if status < 100 || status > 999 {
		return nil, &StatusError{Status: status}
	}

	r := &Response{
		stream:  s,
		status:  status,
		headers: header.Stringify(headers),
	}

	switch b := body.(type) {
	case nil:
	case string:
		r.body = []byte(b)
	case []byte:
		r.body = b
	case []string:
		r.chunks = func(yield func(string) bool) {
			for _, c := range b {
				if !yield(c) {
					return
				}
			}
		}
	case iter.Seq[string]:
		r.chunks = b
	case func(func(string) bool):
		r.chunks = b
	default:
		return nil, &BodyTypeError{Body: body}
	}

	if r.chunks != nil {
		return r, nil
	}

	if cl, ok := r.headers.Lookup(h2.ContentLengthKey); ok {
		r.contentLength = cl
		return r, nil
	}
	if !r.headers.Has(h2.ContentEncodingKey) {
		if err := r.encode(); err != nil {
			return nil, err
		}
	}
	r.contentLength = strconv.Itoa(len(r.body))
	r.headers.Set(h2.ContentLengthKey, r.contentLength)
	return r, nil
}

func (r *Response) encode() error {
	if r.stream == nil || r.stream.request == nil || len(r.body) == 0 {
		return nil
	}
	config := r.stream.conn.server.config
	enc := negotiateEncoding(r.stream.request.Headers().Get(h2.AcceptEncodingKey), config.Gzip, config.Deflate)
	if enc == "" {
		return nil
	}
	body, err := encodeBody(enc, r.body)
	if err != nil {
		return err
	}
	r.body = body
	r.headers.Set(h2.ContentEncodingKey, enc)
	return nil
}

// Status returns the response status.
func (r *Response) Status() int { return r.status }

// Headers returns the response headers, without :status.
func (r *Response) Headers() header.Map { return r.headers }

// Body returns the fixed body as it goes on the wire, after encoding. It is
// nil for a streamed body.
func (r *Response) Body() []byte { return r.body }

// ContentLength returns the content-length header value, if any.
func (r *Response) ContentLength() string { return r.contentLength }

// respondOn writes the headers and then the body to cs. A stream closed
// early by the peer is logged and stops the write.
func (r *Response) respondOn(cs *codec.Stream) {
	h := header.Map{h2.StatusKey: strconv.Itoa(r.status)}
	h.Merge(r.headers)

	err := r.write(cs, h)
	switch {
	case err == nil:
	case isClosed(err):
		r.stream.logger.Warn("stream closed early by client")
	default:
		r.stream.logger.Error("failed to write response", "error", err)
	}
}

func (r *Response) write(cs *codec.Stream, h header.Map) error {
	if r.chunks == nil {
		if len(r.body) == 0 {
			return cs.Headers(h, true)
		}
		if err := cs.Headers(h, false); err != nil {
			return err
		}
		return cs.Data(r.body, true)
	}

	if err := cs.Headers(h, false); err != nil {
		return err
	}

	// Hold one chunk back so the last one can carry END_STREAM.
	var (
		pending string
		have    bool
		err     error
	)
	for chunk := range r.chunks {
		if have {
			if err = cs.Data([]byte(pending), false); err != nil {
				break
			}
		}
		pending, have = chunk, true
	}
	if err != nil {
		return err
	}
	return cs.Data([]byte(pending), true)
}

// String formats the response as an access log line.
func (r *Response) String() string {
	req := r.stream.request
	cl := r.contentLength
	if cl == "" {
		cl = "-"
	}
	return fmt.Sprintf("%s \"%s %s HTTP/2\" %d %s", req.Addr(), req.Method().Wire(), req.Path(), r.status, cl)
}
