// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build !linux && !darwin && !freebsd

package tcpsocket

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

// Supported reports whether Dial works on this platform.
const Supported = false

// Socket is unavailable on this platform.
type Socket struct {
	net.Conn
}

func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Socket, error) {
	return nil, ErrUnsupported
}

func (s *Socket) ReadNonblock(p []byte) (int, error)  { return 0, io.EOF }
func (s *Socket) WriteNonblock(p []byte) (int, error) { return 0, ErrUnsupported }

func (s *Socket) Select(read, write bool, timeout time.Duration) (bool, bool, error) {
	return false, false, ErrUnsupported
}

func (s *Socket) Closed() bool { return true }

// Listen falls back to net.Listen, which picks the backlog itself.
func Listen(ctx context.Context, host string, port, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
