// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/armon/go-metrics"
	"golang.org/x/net/http2"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
)

// PromiseState is the state of a PushPromise.
type PromiseState int

const (
	PromiseInit PromiseState = iota
	PromiseMade
	PromiseKept
	PromiseCanceled
)

func (s PromiseState) String() string {
	switch s {
	case PromiseInit:
		return "init"
	case PromiseMade:
		return "made"
	case PromiseKept:
		return "kept"
	case PromiseCanceled:
		return "canceled"
	}
	return fmt.Sprintf("PromiseState(%d)", int(s))
}

// promiseTransitions lists the legal moves. Kept and canceled are terminal.
var promiseTransitions = map[PromiseState][]PromiseState{
	PromiseInit: {PromiseCanceled, PromiseMade},
	PromiseMade: {PromiseCanceled, PromiseKept},
}

// ErrPromiseState is returned by MakeOn when the promise was already made or
// has finished.
var ErrPromiseState = errors.New("push promise is not in the init state")

const pushStatus = "200"

// PushPromise is a resource the server pushes alongside a response. It is
// made on a parent stream, which sends the PUSH_PROMISE and the pushed
// response headers, and later kept, which sends the body. The client may
// cancel it at any point before it is kept.
type PushPromise struct {
	path    string
	headers header.Map
	body    []byte

	promiseHeaders header.Map

	lock          sync.Mutex
	state         PromiseState
	stream        *Stream
	push          *codec.Stream
	contentLength string
}

// NewPushPromise returns a promise for path. The :authority and :scheme
// entries of headers, if any, go into the promise headers; the rest are sent
// with the pushed response.
func NewPushPromise(path string, headers map[string]interface{}, body []byte) *PushPromise {
	h := header.Stringify(headers)
	authority := h.Get(h2.AuthorityKey)
	scheme := h.Get(h2.SchemeKey)
	h.Del(h2.AuthorityKey)
	h.Del(h2.SchemeKey)

	return &PushPromise{
		path:    path,
		headers: h,
		body:    body,
		promiseHeaders: header.Map{
			h2.MethodKey:    h2.MethodGet.Wire(),
			h2.AuthorityKey: authority,
			h2.PathKey:      path,
			h2.SchemeKey:    scheme,
		},
	}
}

// Path returns the pushed path.
func (p *PushPromise) Path() string { return p.path }

// State returns the current state.
func (p *PushPromise) State() PromiseState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// Kept reports whether the body has been delivered.
func (p *PushPromise) Kept() bool { return p.State() == PromiseKept }

// Canceled reports whether the promise was canceled.
func (p *PushPromise) Canceled() bool { return p.State() == PromiseCanceled }

// ContentLength returns the length of the pushed body once made.
func (p *PushPromise) ContentLength() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.contentLength
}

func (p *PushPromise) transition(to PromiseState) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, next := range promiseTransitions[p.state] {
		if next == to {
			p.state = to
			return true
		}
	}
	return false
}

// MakeOn sends the promise on s, followed by the pushed response headers.
// A reset of the pushed stream by the peer cancels the promise.
func (p *PushPromise) MakeOn(s *Stream) error {
	p.lock.Lock()
	if p.state != PromiseInit || p.stream != nil {
		p.lock.Unlock()
		return ErrPromiseState
	}
	p.stream = s

	body, h, err := p.prepare(s)
	if err != nil {
		p.stream = nil
		p.lock.Unlock()
		return err
	}
	p.body = body
	p.contentLength = h.Get(h2.ContentLengthKey)
	p.lock.Unlock()

	push, err := s.stream.Promise(p.promiseHeaders, func(push *codec.Stream) {
		p.lock.Lock()
		p.push = push
		p.lock.Unlock()
		push.OnClose(func(code http2.ErrCode) {
			if code != http2.ErrCodeNo {
				p.Cancel()
			}
		})
	})
	if err != nil {
		p.lock.Lock()
		p.stream = nil
		p.push = nil
		p.lock.Unlock()
		return fmt.Errorf("promising %s: %w", p.path, err)
	}
	if err := push.Headers(h, false); err != nil {
		s.logger.Debug("push stream closed before its headers were sent", "path", p.path, "error", err)
	}

	if !p.transition(PromiseMade) {
		s.logger.Debug("push promise canceled while being made", "path", p.path)
	}
	return nil
}

// prepare builds the pushed response headers and encodes the body the way
// the parent request accepts. The caller holds p.lock.
func (p *PushPromise) prepare(s *Stream) ([]byte, header.Map, error) {
	h := header.Map{h2.StatusKey: pushStatus}
	h.Merge(p.headers)

	body := p.body
	if s.request != nil && !h.Has(h2.ContentEncodingKey) && len(body) > 0 {
		config := s.conn.server.config
		enc := negotiateEncoding(s.request.Headers().Get(h2.AcceptEncodingKey), config.Gzip, config.Deflate)
		if enc != "" {
			encoded, err := encodeBody(enc, body)
			if err != nil {
				return nil, nil, err
			}
			body = encoded
			h.Set(h2.ContentEncodingKey, enc)
		}
	}
	h.Set(h2.ContentLengthKey, strconv.Itoa(len(body)))
	return body, h, nil
}

// Keep delivers the body. With a positive size the body is sent in frames of
// at most size bytes and progress, if not nil, runs after each one. Keep
// reports false without sending anything unless the promise is made, and
// false if the peer cancels it during delivery.
func (p *PushPromise) Keep(size int, progress func()) bool {
	p.lock.Lock()
	if p.state != PromiseMade {
		p.lock.Unlock()
		return false
	}
	push, body, s := p.push, p.body, p.stream
	p.lock.Unlock()

	var err error
	if size <= 0 {
		err = push.Data(body, true)
		if err == nil && progress != nil {
			progress()
		}
	} else {
		for {
			n := len(body)
			if n > size {
				n = size
			}
			last := n == len(body)
			if err = push.Data(body[:n], last); err != nil {
				break
			}
			body = body[n:]
			if progress != nil {
				progress()
			}
			if last {
				break
			}
		}
	}
	if err != nil {
		s.logger.Debug("push stream closed during delivery", "path", p.path, "error", err)
		return false
	}

	if !p.transition(PromiseKept) {
		return false
	}
	metrics.IncrCounter([]string{"h2", "server", "push", "kept"}, 1)
	s.logger.Info(p.String())
	s.Complete()
	return true
}

// KeepAsync schedules Keep on the server's worker pool. It reports false if
// the promise has not been made.
func (p *PushPromise) KeepAsync() bool {
	p.lock.Lock()
	s := p.stream
	made := p.state == PromiseMade
	p.lock.Unlock()
	if !made {
		return false
	}
	s.conn.server.workers.Submit(func() { p.Keep(0, nil) })
	return true
}

// Cancel moves the promise to canceled from init or made, resetting the
// pushed stream if there is one. It reports false if the promise had
// already finished.
func (p *PushPromise) Cancel() bool {
	if !p.transition(PromiseCanceled) {
		return false
	}
	metrics.IncrCounter([]string{"h2", "server", "push", "canceled"}, 1)

	p.lock.Lock()
	push, s := p.push, p.stream
	p.lock.Unlock()

	if push != nil {
		push.Cancel()
	}
	if s != nil {
		s.logger.Debug("push promise canceled", "path", p.path)
		s.Complete()
	}
	return true
}

// String formats the promise as an access log line.
func (p *PushPromise) String() string {
	p.lock.Lock()
	s, cl := p.stream, p.contentLength
	p.lock.Unlock()

	addr := "-"
	if s != nil && s.request != nil {
		addr = s.request.Addr()
	}
	return fmt.Sprintf("%s \"push %s HTTP/2\" %s %s", addr, p.path, pushStatus, cl)
}
