// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package h2 holds the wire constants shared by the client and server halves
// of the HTTP/2 session layer.
package h2

import (
	"fmt"
	"runtime"
	"strings"
)

const Version = "0.5.0"

// HTTP/2 pseudo-headers.
const (
	AuthorityKey = ":authority"
	MethodKey    = ":method"
	PathKey      = ":path"
	SchemeKey    = ":scheme"
	StatusKey    = ":status"
)

// Content negotiation headers and values.
const (
	AcceptKey          = "accept"
	AcceptEncodingKey  = "accept-encoding"
	ContentEncodingKey = "content-encoding"
	ContentLengthKey   = "content-length"
	ContentTypeKey     = "content-type"
	UserAgentKey       = "user-agent"

	GzipEncoding    = "gzip"
	DeflateEncoding = "deflate"

	EventStreamType = "text/event-stream"
)

// ALPNProtocol is the protocol identifier offered during the TLS handshake.
const ALPNProtocol = "h2"

// UserAgent is sent with every client request.
var UserAgent = fmt.Sprintf("h2/%s %s/%s-%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

// Method is an HTTP request method. Methods are kept lower case, as the
// server side reports them.
type Method string

const (
	MethodGet     Method = "get"
	MethodDelete  Method = "delete"
	MethodHead    Method = "head"
	MethodOptions Method = "options"
	MethodPatch   Method = "patch"
	MethodPost    Method = "post"
	MethodPut     Method = "put"

	// MethodError files pushed streams whose method could not be derived.
	MethodError Method = "error"
)

// Methods lists every request method the client can issue.
var Methods = []Method{
	MethodGet,
	MethodDelete,
	MethodHead,
	MethodOptions,
	MethodPatch,
	MethodPost,
	MethodPut,
}

// Wire returns the method as sent in the :method pseudo-header.
func (m Method) Wire() string {
	return strings.ToUpper(string(m))
}

// ParseMethod maps a :method value to a Method. Unknown or empty values map to
// MethodError.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(s))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return MethodError, fmt.Errorf("unsupported method %q", s)
}
