// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package client

import (
	"bytes"
	"iter"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
	"github.com/hashicorp/h2/lib/gate"
)

// Stream is one request and its response, or a resource pushed by the
// server. Response data accumulates until the stream closes; accessors block
// until then. A response with an event-stream content type switches the
// stream to streaming mode, where body chunks are handed out through Chunks
// as they arrive instead. A streaming response holds back its flow-control
// credit until Chunks hands the data out, so an idle consumer stalls only the
// server's writes on that stream and never the connection's read loop.
type Stream struct {
	client *Client
	stream *codec.Stream
	parent *Stream
	push   bool

	// gate opens when the stream closes or is canceled.
	gate *gate.Gate
	// headerGate opens on the first response header block or on close.
	headerGate *gate.Gate

	lock      sync.Mutex
	headers   header.Map
	body      bytes.Buffer
	pushes    []*Stream
	closed    bool
	code      http2.ErrCode
	streaming bool
	queue     [][]byte
	ready     chan struct{}
	done      chan struct{}

	onHeaders  func(header.Map)
	onData     func([]byte)
	onClose    func()
	afterClose func()
}

func newStream(c *Client, cs *codec.Stream, parent *Stream) *Stream {
	s := &Stream{
		client:     c,
		stream:     cs,
		parent:     parent,
		push:       cs.IsPush(),
		gate:       gate.New(),
		headerGate: gate.New(),
		headers:    header.Map{},
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	cs.SetValue(s)
	cs.OnHeaders(s.addHeaders)
	cs.OnPromiseHeaders(s.addPromiseHeaders)
	cs.OnData(s.addData)
	cs.OnClose(s.handleClose)
	return s
}

// OnHeaders registers a callback run for every header block received,
// including the promise headers of a pushed stream.
func (s *Stream) OnHeaders(fn func(header.Map)) { s.onHeaders = fn }

// OnData registers a callback run for every chunk of body received.
func (s *Stream) OnData(fn func([]byte)) { s.onData = fn }

// OnClose registers a callback run once the stream has closed.
func (s *Stream) OnClose(fn func()) { s.onClose = fn }

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.stream.ID() }

// Client returns the connection the stream belongs to.
func (s *Stream) Client() *Client { return s.client }

// Parent returns the stream a pushed stream was promised on.
func (s *Stream) Parent() *Stream { return s.parent }

// IsPush reports whether the server pushed this stream.
func (s *Stream) IsPush() bool { return s.push }

// Closed reports whether the stream has closed.
func (s *Stream) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Canceled reports whether the stream was reset rather than completed.
func (s *Stream) Canceled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed && s.code != http2.ErrCodeNo
}

// Streaming reports whether the response is being delivered in chunks.
func (s *Stream) Streaming() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.streaming
}

// Pushes returns the streams the server has promised on this one so far.
func (s *Stream) Pushes() []*Stream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*Stream(nil), s.pushes...)
}

func (s *Stream) addPush(p *Stream) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pushes = append(s.pushes, p)
}

// Block waits for every known pushed stream and then for this stream to
// close. A positive timeout bounds each wait. It reports whether this stream
// closed.
func (s *Stream) Block(timeout time.Duration) bool {
	for _, p := range s.Pushes() {
		p.Block(timeout)
	}
	return s.gate.Wait(timeout)
}

// Cancel resets the stream and releases anything blocked on it right away.
func (s *Stream) Cancel() {
	s.stream.Cancel()
	s.gate.Open()
	s.headerGate.Open()
}

// Headers blocks until the stream closes and returns the response headers.
// A streaming response only waits for its first header block.
func (s *Stream) Headers() header.Map {
	s.headerGate.Wait(0)
	if !s.Streaming() {
		s.Block(0)
	}
	return s.HeadersNow()
}

// HeadersNow returns the headers received so far without waiting for the
// stream to close.
func (s *Stream) HeadersNow() header.Map {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.headers.Clone()
}

// Body blocks until the stream closes and returns the buffered body. It is
// empty for a streaming response, whose data only comes out of Chunks.
func (s *Stream) Body() []byte {
	s.Block(0)
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]byte(nil), s.body.Bytes()...)
}

// String returns Body as a string.
func (s *Stream) String() string {
	return string(s.Body())
}

// OK reports whether the response status is 200.
func (s *Stream) OK() bool {
	return s.Headers().Get(h2.StatusKey) == "200"
}

// ToMap returns the headers and body in one map.
func (s *Stream) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"headers": s.Headers(),
		"body":    string(s.Body()),
	}
}

// Chunks yields the response body as it arrives. For a streaming response
// each DATA frame is one chunk and iteration ends when the stream closes;
// otherwise the whole body is yielded once the stream closes.
func (s *Stream) Chunks() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		s.headerGate.Wait(0)

		s.lock.Lock()
		streaming := s.streaming
		s.lock.Unlock()

		if !streaming {
			if body := s.Body(); len(body) > 0 {
				yield(body)
			}
			return
		}

		for {
			chunk, ok, closed := s.nextChunk()
			if ok {
				if err := s.stream.Consumed(len(chunk)); err != nil {
					s.client.logger.Debug("failed to return stream credit", "stream", s.ID(), "error", err)
				}
				if !yield(chunk) {
					return
				}
				continue
			}
			if closed {
				return
			}
			select {
			case <-s.ready:
			case <-s.done:
			}
		}
	}
}

// nextChunk pops the oldest queued chunk. closed is only meaningful when
// nothing was queued.
func (s *Stream) nextChunk() (chunk []byte, ok, closed bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.queue) == 0 {
		return nil, false, s.closed
	}
	chunk = s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return chunk, true, false
}

// addPromiseHeaders records the request headers of a pushed stream. They do
// not decide the response mode, so headerGate stays shut.
func (s *Stream) addPromiseHeaders(h header.Map) {
	if s.onHeaders != nil {
		s.onHeaders(h)
	}

	s.lock.Lock()
	s.headers.Merge(h)
	s.lock.Unlock()
}

func (s *Stream) addHeaders(h header.Map) {
	if s.onHeaders != nil {
		s.onHeaders(h)
	}

	s.lock.Lock()
	s.headers.Merge(h)
	if !s.streaming && strings.HasPrefix(s.headers.Get(h2.ContentTypeKey), h2.EventStreamType) {
		s.streaming = true
		s.stream.HoldCredit()
	}
	s.lock.Unlock()

	s.headerGate.Open()
}

func (s *Stream) addData(b []byte) {
	if s.onData != nil {
		s.onData(b)
	}

	s.lock.Lock()
	if !s.streaming {
		s.body.Write(b)
		s.lock.Unlock()
		return
	}
	s.queue = append(s.queue, b)
	s.lock.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Stream) handleClose(code http2.ErrCode) {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	s.code = code
	close(s.done)
	s.lock.Unlock()

	s.client.setLast(s)
	if s.afterClose != nil {
		s.afterClose()
	}

	s.headerGate.Open()
	s.gate.Open()
	if s.onClose != nil {
		s.onClose()
	}
}
