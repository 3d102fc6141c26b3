// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tcpsocket is a TCP connector driven by non-blocking system calls.
// Reads and writes never block; callers wait for readiness with the
// socket's selector instead. A Socket also satisfies net.Conn so it can sit
// underneath crypto/tls, where it behaves like an ordinary blocking
// connection.
package tcpsocket

import (
	"errors"
	"time"
)

// DefaultConnectTimeout bounds how long Dial waits for the handshake.
const DefaultConnectTimeout = 10 * time.Second

var (
	// ErrWaitReadable is returned by ReadNonblock when no data is buffered.
	ErrWaitReadable = errors.New("tcpsocket: wait readable")

	// ErrWaitWritable is returned by WriteNonblock when the send buffer is
	// full.
	ErrWaitWritable = errors.New("tcpsocket: wait writable")

	// ErrTimeout is returned by Dial when the connect does not finish in
	// time.
	ErrTimeout = errors.New("tcpsocket: connect timed out")

	// ErrUnsupported is returned by Dial on platforms without the needed
	// system calls. Check Supported first.
	ErrUnsupported = errors.New("tcpsocket: not supported on this platform")
)

// deadlineError is returned by the net.Conn methods when a deadline passes.
type deadlineError struct{}

func (deadlineError) Error() string   { return "i/o timeout" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return true }

func remaining(deadline time.Time) (time.Duration, bool) {
	if deadline.IsZero() {
		return 0, true
	}
	d := time.Until(deadline)
	return d, d > 0
}
