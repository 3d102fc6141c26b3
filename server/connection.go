// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"

	"github.com/hashicorp/h2/codec"
)

// goawayDelay gives the client a moment to cancel pushes before the
// connection is told to go away.
const goawayDelay = 250 * time.Millisecond

// Connection is one accepted client connection. The server reads from it on
// a dedicated goroutine and feeds the bytes to its codec; streams opened by
// the client are handed to the EachStream handler on the worker pool.
type Connection struct {
	server *Server
	conn   net.Conn
	codec  *codec.Conn
	logger hclog.Logger
	id     string

	attached atomic.Bool
	closed   atomic.Bool

	lock       sync.Mutex
	eachStream func(*Stream)
}

func newConnection(s *Server, id string, conn net.Conn) *Connection {
	c := &Connection{
		server: s,
		conn:   conn,
		id:     id,
		logger: s.logger.With("conn", id, "peer", conn.RemoteAddr().String()),
	}
	c.attached.Store(true)

	c.codec = codec.NewServer(codec.Config{Logger: c.logger})
	c.codec.OnFrame(c.write)
	c.codec.OnFrameSent(func(fh http2.FrameHeader) {
		c.logger.Trace("sent frame", "frame", fh.String())
	})
	c.codec.OnFrameReceived(func(fh http2.FrameHeader) {
		c.logger.Trace("received frame", "frame", fh.String())
	})
	c.codec.OnStream(func(cs *codec.Stream) { newStream(c, cs) })
	c.codec.OnGoaway(func(g codec.GoAway) {
		c.logger.Debug("received goaway", "code", g.Code.String())
		c.Close()
	})
	return c
}

// ID is a unique identifier for the connection, used in logs.
func (c *Connection) ID() string { return c.id }

// Server returns the server that accepted the connection.
func (c *Connection) Server() *Server { return c.server }

// Logger returns a logger tagged with the connection.
func (c *Connection) Logger() hclog.Logger { return c.logger }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// EachStream sets the handler run for every request on the connection.
func (c *Connection) EachStream(fn func(*Stream)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.eachStream = fn
}

func (c *Connection) handleStream(s *Stream) {
	c.lock.Lock()
	fn := c.eachStream
	c.lock.Unlock()

	if fn == nil {
		s.logger.Error("no stream handler registered for connection")
		if err := s.Respond(501, nil, nil); err != nil {
			s.logger.Error("failed to respond", "error", err)
		}
		return
	}
	fn(s)
}

// Attached reports whether the server still owns the connection.
func (c *Connection) Attached() bool { return c.attached.Load() }

// Detach takes the connection away from the server: the read loop stops
// after the read in progress, Close leaves the socket open and Shutdown
// skips it. Streams in flight keep going.
func (c *Connection) Detach() *Connection {
	if c.attached.CompareAndSwap(true, false) {
		c.server.forget(c)
	}
	return c
}

// Closed reports whether the socket has been closed.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close closes the socket of an attached connection.
func (c *Connection) Close() error {
	if !c.Attached() {
		return nil
	}
	return c.close()
}

func (c *Connection) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Goaway sends GOAWAY after a short delay, unless the connection has closed
// by then.
func (c *Connection) Goaway() {
	c.server.workers.After(goawayDelay, func() {
		if c.Closed() {
			return
		}
		if err := c.codec.Goaway(http2.ErrCodeNo); err != nil {
			c.logger.Debug("failed to send goaway", "error", err)
		}
	})
}

// Read runs the read loop until the peer hangs up or ctx is done, or, for
// a connection the server owns, until it is detached. Streams still open when
// it returns are canceled. The server calls it for every attached
// connection; whoever detached a connection may call it to keep serving.
func (c *Connection) Read(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.close() })
	defer stop()

	owned := c.Attached()
	buf := make([]byte, c.server.config.ReadSize)
	var err error
	for !c.Closed() && (!owned || c.Attached()) {
		var n int
		n, err = c.conn.Read(buf)
		if n > 0 {
			if ferr := c.codec.Feed(buf[:n]); ferr != nil {
				if errors.Is(ferr, codec.ErrBadPreface) {
					c.logger.Error("bad client preface, closing connection")
					err = ferr
					break
				}
				c.logger.Error("protocol error", "error", ferr)
				if c.codec.Closed() {
					err = ferr
					break
				}
			}
		}
		if err != nil {
			break
		}
	}

	if owned && !c.Attached() {
		return nil
	}
	c.close()
	c.codec.Close()
	c.server.forget(c)

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		c.logger.Debug("connection closed")
		return nil
	default:
		c.logger.Error("read failed, closing connection", "error", err)
		return err
	}
}

// write is the codec's frame sink.
func (c *Connection) write(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		c.logger.Error("write failed, closing connection", "error", err)
		c.close()
		return err
	}
	metrics.IncrCounter([]string{"h2", "server", "bytes_written"}, float32(len(b)))
	return nil
}
