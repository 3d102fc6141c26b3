// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"net"
	"strings"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/header"
)

// Request is the inbound half of a Stream. Headers and body are filled in by
// the connection's read loop and are complete once the handler runs.
type Request struct {
	stream  *Stream
	headers header.Map
	body    bytes.Buffer
}

func newRequest(s *Stream) *Request {
	return &Request{
		stream:  s,
		headers: header.Map{},
	}
}

// Stream returns the stream the request arrived on.
func (r *Request) Stream() *Stream { return r.stream }

// Headers returns the request headers, pseudo-headers included.
func (r *Request) Headers() header.Map { return r.headers }

// Body returns the request body.
func (r *Request) Body() []byte { return r.body.Bytes() }

// Addr returns the IP address of the peer, or "" if it is unknown.
func (r *Request) Addr() string {
	addr := r.stream.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Authority returns the :authority pseudo-header.
func (r *Request) Authority() string { return r.headers.Get(h2.AuthorityKey) }

// Method returns the request method in lower case.
func (r *Request) Method() h2.Method {
	return h2.Method(strings.ToLower(r.headers.Get(h2.MethodKey)))
}

// Path returns the :path pseudo-header without its query string.
func (r *Request) Path() string {
	path := r.headers.Get(h2.PathKey)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// QueryString returns everything after the first "?" in :path, or "".
func (r *Request) QueryString() string {
	path := r.headers.Get(h2.PathKey)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[i+1:]
	}
	return ""
}

// Scheme returns the :scheme pseudo-header.
func (r *Request) Scheme() string { return r.headers.Get(h2.SchemeKey) }

// Respond responds on the request's stream.
func (r *Request) Respond(status int, headers map[string]interface{}, body interface{}) error {
	return r.stream.Respond(status, headers, body)
}
