// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
)

// StreamError is returned when a stream cannot be used the way the caller
// asked, such as turning a request that does not accept an event stream
// into an EventSource.
type StreamError struct {
	Msg string
}

func (e *StreamError) Error() string { return e.Msg }

const (
	dataTemplate  = "data: %s\n\n"
	eventTemplate = "event: %s\n" + dataTemplate
)

// EventSource writes server-sent events on a stream that stays open until
// Close. Each event goes out as its own DATA frame. With a negotiated
// encoding the whole stream is one compressed body, flushed after every
// event so the client can decode it as it arrives.
type EventSource struct {
	stream   *Stream
	raw      *codec.Stream
	encoding string

	// writeLock orders events and guards the compressor.
	writeLock sync.Mutex
	enc       encoder
	buf       bytes.Buffer

	lock   sync.Mutex
	closed bool
}

func newEventSource(s *Stream, headers map[string]interface{}) (*EventSource, error) {
	req := s.request
	if accept := req.Headers().Get(h2.AcceptKey); accept != h2.EventStreamType {
		return nil, &StreamError{Msg: fmt.Sprintf("invalid header accept: %s", accept)}
	}

	config := s.conn.server.config
	es := &EventSource{
		stream:   s,
		raw:      s.stream,
		encoding: negotiateEncoding(req.Headers().Get(h2.AcceptEncodingKey), config.Gzip, config.Deflate),
	}

	h := header.Map{
		h2.StatusKey:      "200",
		h2.ContentTypeKey: h2.EventStreamType,
	}
	if es.encoding != "" {
		enc, err := newEncoder(es.encoding, &es.buf)
		if err != nil {
			return nil, err
		}
		es.enc = enc
		h.Set(h2.ContentEncodingKey, es.encoding)
	}
	h.Merge(header.Stringify(headers))

	if err := es.raw.Headers(h, false); err != nil {
		if isClosed(err) {
			s.logger.Warn("stream closed early by client")
			es.closed = true
			return es, nil
		}
		return nil, err
	}
	s.logger.Debug("event source opened", "encoding", es.encoding)
	return es, nil
}

// Event sends a named event.
func (es *EventSource) Event(name, data string) error {
	return es.write(fmt.Sprintf(eventTemplate, name, data))
}

// Data sends an unnamed message.
func (es *EventSource) Data(data string) error {
	return es.write(fmt.Sprintf(dataTemplate, data))
}

func (es *EventSource) write(msg string) error {
	if es.Closed() {
		return codec.ErrStreamClosed
	}

	es.writeLock.Lock()
	defer es.writeLock.Unlock()

	if es.enc == nil {
		return es.raw.Data([]byte(msg), false)
	}
	es.buf.Reset()
	if _, err := es.enc.Write([]byte(msg)); err != nil {
		return err
	}
	if err := es.enc.Flush(); err != nil {
		return err
	}
	return es.raw.Data(es.buf.Bytes(), false)
}

// Close ends the stream. The final frame carries the compressor's trailer,
// if any, and is otherwise empty.
func (es *EventSource) Close() error {
	es.lock.Lock()
	es.closed = true
	es.lock.Unlock()

	es.stream.markResponded()

	es.writeLock.Lock()
	var tail []byte
	if es.enc != nil {
		es.buf.Reset()
		if err := es.enc.Close(); err != nil {
			es.stream.logger.Warn("failed to finish compressed event stream", "error", err)
		}
		es.enc = nil
		tail = es.buf.Bytes()
	}
	err := es.raw.Data(tail, true)
	es.writeLock.Unlock()

	es.stream.Complete()
	return err
}

// Closed reports whether Close has been called.
func (es *EventSource) Closed() bool {
	es.lock.Lock()
	defer es.lock.Unlock()
	return es.closed
}

func isClosed(err error) bool {
	return errors.Is(err, codec.ErrStreamClosed) || errors.Is(err, codec.ErrConnClosed)
}
