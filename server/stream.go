// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"sync"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
)

// Stream is one request from a client and everything sent in reply: the
// response and any push promises made on it.
type Stream struct {
	conn   *Connection
	stream *codec.Stream
	logger hclog.Logger

	// request is set by the active callback and filled in by the read loop
	// until the half close hands the stream to the handler.
	request *Request

	lock       sync.Mutex
	closed     bool
	responded  bool
	completed  bool
	onComplete func()
	promises   []*PushPromise
}

func newStream(c *Connection, cs *codec.Stream) *Stream {
	s := &Stream{
		conn:   c,
		stream: cs,
		logger: c.logger,
	}
	cs.SetValue(s)
	cs.OnActive(s.handleActive)
	cs.OnHeaders(s.handleHeaders)
	cs.OnData(s.handleData)
	cs.OnHalfClose(s.handleHalfClose)
	cs.OnClose(s.handleClose)
	return s
}

// ID returns the stream id.
func (s *Stream) ID() uint32 { return s.stream.ID() }

// Connection returns the connection the stream belongs to.
func (s *Stream) Connection() *Connection { return s.conn }

// Request returns the request received on the stream.
func (s *Stream) Request() *Request { return s.request }

// Logger returns a logger tagged with the connection and stream.
func (s *Stream) Logger() hclog.Logger { return s.logger }

// Closed reports whether the stream has closed.
func (s *Stream) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Responded reports whether a response has been written.
func (s *Stream) Responded() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.responded
}

// PushPromises returns the promises made on the stream.
func (s *Stream) PushPromises() []*PushPromise {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*PushPromise(nil), s.promises...)
}

// Respond writes status, headers and body. Responding on a closed stream
// logs a warning and does nothing. Errors report an invalid status or body.
func (s *Stream) Respond(status int, headers map[string]interface{}, body interface{}) error {
	r, err := NewResponse(s, status, headers, body)
	if err != nil {
		return err
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		s.logger.Warn("stream closed before response sent")
		return nil
	}
	s.responded = true
	s.lock.Unlock()

	s.logger.Info(r.String())
	r.respondOn(s.stream)
	s.Complete()
	return nil
}

// PushPromise promises path with the given headers and body, then schedules
// its delivery on the worker pool.
func (s *Stream) PushPromise(path string, headers map[string]interface{}, body []byte) (*PushPromise, error) {
	p, err := s.MakePromise(s.PushPromiseFor(path, headers, body))
	if err != nil {
		return nil, err
	}
	p.KeepAsync()
	return p, nil
}

// PushPromiseFor builds a promise for path carrying the authority and scheme
// of this stream's request. Nothing is sent until it is made.
func (s *Stream) PushPromiseFor(path string, headers map[string]interface{}, body []byte) *PushPromise {
	h := make(map[string]interface{}, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	h[h2.AuthorityKey] = s.request.Authority()
	h[h2.SchemeKey] = s.request.Scheme()
	return NewPushPromise(path, h, body)
}

// MakePromise makes p on this stream and tracks it for completion.
func (s *Stream) MakePromise(p *PushPromise) (*PushPromise, error) {
	if err := p.MakeOn(s); err != nil {
		return nil, err
	}
	s.lock.Lock()
	s.promises = append(s.promises, p)
	s.lock.Unlock()
	return p, nil
}

// OnComplete registers fn to run once the stream has responded and every
// push promise made on it is kept or canceled. Completion is checked right
// away, so fn may run before OnComplete returns.
func (s *Stream) OnComplete(fn func()) {
	s.lock.Lock()
	if s.completed {
		s.lock.Unlock()
		fn()
		return
	}
	s.onComplete = fn
	s.lock.Unlock()
	s.Complete()
}

// Complete checks for completion, running the registered callback the
// first time it holds. It reports whether the stream is complete.
func (s *Stream) Complete() bool {
	s.lock.Lock()
	if s.completed {
		s.lock.Unlock()
		return true
	}
	if !s.responded || !s.promisesDone() {
		s.lock.Unlock()
		return false
	}
	s.completed = true
	fn := s.onComplete
	s.lock.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// promisesDone is called with s.lock held.
func (s *Stream) promisesDone() bool {
	for _, p := range s.promises {
		if st := p.State(); st != PromiseKept && st != PromiseCanceled {
			return false
		}
	}
	return true
}

// GoawayOnComplete sends GOAWAY on the connection once the stream is
// complete.
func (s *Stream) GoawayOnComplete() {
	s.OnComplete(s.conn.Goaway)
}

// ToEventSource turns the stream into a server-sent event source, sending
// the response headers right away. It returns a *StreamError if the request
// does not accept an event stream.
func (s *Stream) ToEventSource(headers map[string]interface{}) (*EventSource, error) {
	return newEventSource(s, headers)
}

func (s *Stream) markResponded() {
	s.lock.Lock()
	s.responded = true
	s.lock.Unlock()
}

func (s *Stream) handleActive() {
	s.logger = s.conn.logger.With("stream", s.stream.ID())
	s.logger.Debug("active")
	s.request = newRequest(s)
	metrics.IncrCounter([]string{"h2", "server", "stream"}, 1)
}

func (s *Stream) handleHeaders(h header.Map) {
	s.logger.Debug("headers", "headers", h)
	s.request.headers.Merge(h)
}

func (s *Stream) handleData(p []byte) {
	s.logger.Trace("data", "bytes", len(p))
	s.request.body.Write(p)
}

// handleHalfClose hands the complete request to the connection's stream
// handler on the worker pool.
func (s *Stream) handleHalfClose() {
	s.logger.Debug("half_close")
	s.conn.server.workers.Submit(func() {
		s.conn.handleStream(s)
	})
}

func (s *Stream) handleClose(code http2.ErrCode) {
	s.logger.Debug("close", "code", code.String())
	s.Complete()
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
}
