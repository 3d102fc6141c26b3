// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package codec

import (
	"fmt"

	"golang.org/x/net/http2"

	"github.com/hashicorp/h2/header"
)

// Stream is one HTTP/2 stream. Callbacks must be registered before the
// stream sees traffic: for client streams before the first Headers call, for
// peer-initiated streams inside the Conn's OnStream or OnPromise callback.
// Callbacks run on the goroutine feeding the connection, or on the goroutine
// whose write closed the stream.
type Stream struct {
	conn   *Conn
	parent *Stream
	push   bool
	value  interface{}

	// guarded by conn.mu
	id           uint32
	localClosed  bool
	remoteClosed bool
	closed       bool
	sendWindow   int64
	holdCredit   bool

	onActive         func()
	onHeaders        func(header.Map)
	onPromiseHeaders func(header.Map)
	onData           func([]byte)
	onHalfClose      func()
	onClose          func(http2.ErrCode)
}

// ID returns the stream id, or 0 for a client stream whose HEADERS have not
// been written yet.
func (s *Stream) ID() uint32 {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.id
}

// Parent returns the stream a pushed stream was promised on.
func (s *Stream) Parent() *Stream { return s.parent }

// IsPush reports whether the stream was created by a PUSH_PROMISE.
func (s *Stream) IsPush() bool { return s.push }

// SetValue attaches an owner value to the stream.
func (s *Stream) SetValue(v interface{}) { s.value = v }

// Value returns the value attached with SetValue.
func (s *Stream) Value() interface{} { return s.value }

// Closed reports whether the stream has fully closed.
func (s *Stream) Closed() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.closed
}

func (s *Stream) OnActive(fn func())                   { s.onActive = fn }
func (s *Stream) OnHeaders(fn func(header.Map))        { s.onHeaders = fn }
func (s *Stream) OnPromiseHeaders(fn func(header.Map)) { s.onPromiseHeaders = fn }
func (s *Stream) OnData(fn func([]byte))               { s.onData = fn }
func (s *Stream) OnHalfClose(fn func())                { s.onHalfClose = fn }
func (s *Stream) OnClose(fn func(http2.ErrCode))       { s.onClose = fn }

func (s *Stream) String() string {
	if s.push {
		return fmt.Sprintf("stream %d (push)", s.ID())
	}
	return fmt.Sprintf("stream %d", s.ID())
}

// Headers writes a header block. A client stream is assigned its id here.
func (s *Stream) Headers(h header.Map, endStream bool) error {
	c := s.conn

	c.wmu.Lock()
	c.mu.Lock()
	if err := s.writableLocked(); err != nil {
		c.mu.Unlock()
		c.wmu.Unlock()
		return err
	}
	activated := false
	if s.id == 0 {
		s.id = c.nextStreamID
		c.nextStreamID += 2
		s.sendWindow = c.peerInitialWindow
		c.streams[s.id] = s
		activated = true
	}
	id := s.id
	c.mu.Unlock()

	block, err := c.encodeHeaders(h)
	if err == nil {
		err = c.writeBlock(id, 0, block, endStream)
	}
	c.wmu.Unlock()

	if activated {
		s.fireActive()
	}
	if err != nil {
		return err
	}
	if endStream {
		s.localEnded()
	}
	return nil
}

// Data writes p as one or more DATA frames, waiting for send window as
// needed. An empty p with endStream set writes a bare END_STREAM frame.
func (s *Stream) Data(p []byte, endStream bool) error {
	c := s.conn
	if len(p) == 0 && !endStream {
		return nil
	}

	for {
		c.mu.Lock()
		for {
			if err := s.writableLocked(); err != nil {
				c.mu.Unlock()
				return err
			}
			if s.id == 0 {
				c.mu.Unlock()
				return fmt.Errorf("%w: headers not sent", ErrStreamClosed)
			}
			if len(p) == 0 || (c.sendWindow > 0 && s.sendWindow > 0) {
				break
			}
			c.cond.Wait()
		}
		n := int64(len(p))
		if max := int64(c.peerMaxFrameSize); n > max {
			n = max
		}
		if n > c.sendWindow {
			n = c.sendWindow
		}
		if n > s.sendWindow {
			n = s.sendWindow
		}
		c.sendWindow -= n
		s.sendWindow -= n
		id := s.id
		c.mu.Unlock()

		chunk := p[:n]
		p = p[n:]
		last := endStream && len(p) == 0

		err := c.write(func(fr *http2.Framer) error { return fr.WriteData(id, last, chunk) })
		if err != nil {
			return err
		}
		if last {
			s.localEnded()
		}
		if len(p) == 0 {
			return nil
		}
	}
}

// Promise reserves a pushed stream on s and writes its PUSH_PROMISE frame.
// Only a server may push, and only while the peer allows it. Any setup
// functions run on the new stream before the frame is written, so
// callbacks they register cannot miss a prompt reset.
func (s *Stream) Promise(h header.Map, setup ...func(*Stream)) (*Stream, error) {
	c := s.conn
	if c.role != RoleServer {
		return nil, ErrWrongRole
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if err := s.writableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if !c.peerPush {
		c.mu.Unlock()
		return nil, ErrPushDisabled
	}
	push := &Stream{
		conn:         c,
		id:           c.nextStreamID,
		parent:       s,
		push:         true,
		remoteClosed: true,
		sendWindow:   c.peerInitialWindow,
	}
	c.nextStreamID += 2
	c.streams[push.id] = push
	parentID := s.id
	c.mu.Unlock()

	for _, fn := range setup {
		fn(push)
	}

	block, err := c.encodeHeaders(h)
	if err == nil {
		err = c.writeBlock(parentID, push.id, block, false)
	}
	if err != nil {
		c.mu.Lock()
		push.closed = true
		delete(c.streams, push.id)
		c.mu.Unlock()
		return nil, err
	}
	return push, nil
}

// HoldCredit stops the stream's receive window from being replenished as
// DATA arrives. The owner hands the window back with Consumed, so a peer can
// never have more unconsumed data in flight than the initial window.
func (s *Stream) HoldCredit() {
	s.conn.mu.Lock()
	s.holdCredit = true
	s.conn.mu.Unlock()
}

// Consumed returns n bytes of receive window to the peer. It does nothing
// once the peer has finished sending.
func (s *Stream) Consumed(n int) error {
	if n <= 0 {
		return nil
	}
	c := s.conn

	c.mu.Lock()
	id := s.id
	open := id != 0 && !s.closed && !s.remoteClosed
	c.mu.Unlock()
	if !open {
		return nil
	}
	return c.write(func(fr *http2.Framer) error { return fr.WriteWindowUpdate(id, uint32(n)) })
}

// Cancel resets the stream with CANCEL. It does nothing on a closed stream.
func (s *Stream) Cancel() {
	s.Reset(http2.ErrCodeCancel)
}

// Reset closes the stream, writing RST_STREAM with code if the peer knows
// about it.
func (s *Stream) Reset(code http2.ErrCode) {
	c := s.conn

	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	id := s.id
	if id != 0 {
		delete(c.streams, id)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if id != 0 {
		if err := c.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(id, code) }); err != nil {
			c.logger.Debug("failed to reset stream", "stream", id, "error", err)
		}
	}
	s.fireClose(code)
}

// writableLocked reports why s can no longer carry frames from this side.
// The caller holds conn.mu.
func (s *Stream) writableLocked() error {
	if s.conn.closed {
		return ErrConnClosed
	}
	if s.closed || s.localClosed {
		return ErrStreamClosed
	}
	return nil
}

// localEnded records that this side sent END_STREAM.
func (s *Stream) localEnded() {
	c := s.conn

	c.mu.Lock()
	if s.localClosed || s.closed {
		c.mu.Unlock()
		return
	}
	s.localClosed = true
	done := s.remoteClosed
	if done {
		s.closed = true
		delete(c.streams, s.id)
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if done {
		s.fireClose(http2.ErrCodeNo)
	}
}

// remoteEnded records that the peer sent END_STREAM.
func (s *Stream) remoteEnded() {
	c := s.conn

	c.mu.Lock()
	if s.remoteClosed || s.closed {
		c.mu.Unlock()
		return
	}
	s.remoteClosed = true
	done := s.localClosed
	if done {
		s.closed = true
		delete(c.streams, s.id)
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if !done {
		s.fireHalfClose()
		return
	}
	s.fireClose(http2.ErrCodeNo)
}

func (s *Stream) fireActive() {
	if s.onActive != nil {
		s.onActive()
	}
}

func (s *Stream) fireHeaders(h header.Map) {
	if s.onHeaders != nil {
		s.onHeaders(h)
	}
}

func (s *Stream) firePromiseHeaders(h header.Map) {
	if s.onPromiseHeaders != nil {
		s.onPromiseHeaders(h)
	}
}

func (s *Stream) fireData(p []byte) {
	if s.onData != nil {
		s.onData(p)
	}
}

func (s *Stream) fireHalfClose() {
	if s.onHalfClose != nil {
		s.onHalfClose()
	}
}

func (s *Stream) fireClose(code http2.ErrCode) {
	if s.onClose != nil {
		s.onClose(code)
	}
}
