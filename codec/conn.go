// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package codec adapts golang.org/x/net/http2 into an event-driven HTTP/2
// connection object. Bytes read from a socket are fed in with Feed; frames to
// be written are handed to the OnFrame callback; stream lifecycle is reported
// through callbacks on Conn and Stream.
//
// The codec owns wire-format correctness: framing, HPACK state, stream id
// allocation, settings and the flow-control windows. It never touches a
// socket itself.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/hashicorp/h2/header"
)

const (
	frameHeaderLen = 9

	defaultWindowSize   = 65535
	defaultMaxFrameSize = 16384
	headerTableSize     = 4096

	// receive windows advertised to the peer
	streamWindowSize = 4 << 20
	connWindowSize   = 16 << 20
)

var (
	ErrConnClosed   = errors.New("codec: connection closed")
	ErrStreamClosed = errors.New("codec: stream closed")
	ErrPushDisabled = errors.New("codec: peer disabled server push")
	ErrWrongRole    = errors.New("codec: operation not valid for this role")
	ErrBadPreface   = errors.New("codec: invalid client connection preface")
)

// Role selects the client or server side of a connection.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// GoAway describes a GOAWAY frame received from the peer.
type GoAway struct {
	LastStreamID uint32
	Code         http2.ErrCode
	Debug        []byte
}

// Config is used to create a Conn.
type Config struct {
	Logger hclog.Logger

	// DisablePush makes a client refuse every pushed stream.
	DisablePush bool
}

// Conn is one side of an HTTP/2 connection.
type Conn struct {
	role   Role
	logger hclog.Logger

	// wmu serializes frame writes and guards the HPACK encoder.
	wmu    sync.Mutex
	framer *http2.Framer
	hbuf   bytes.Buffer
	henc   *hpack.Encoder

	// Read side state, only touched by the goroutine calling Feed.
	in      bytes.Buffer
	preface bool
	hdec    *hpack.Decoder
	block   *headerBlock

	mu                sync.Mutex
	cond              *sync.Cond // broadcast when send windows grow or the conn closes
	streams           map[uint32]*Stream
	nextStreamID      uint32
	lastPeerStreamID  uint32
	sendWindow        int64
	peerInitialWindow int64
	peerMaxFrameSize  uint32
	peerPush          bool
	disablePush       bool
	settingsSent      bool
	goawaySent        bool
	goawayReceived    bool
	closed            bool

	onFrame         func([]byte) error
	onFrameSent     func(http2.FrameHeader)
	onFrameReceived func(http2.FrameHeader)
	onStream        func(*Stream)
	onPromise       func(*Stream)
	onGoaway        func(GoAway)
}

// headerBlock accumulates a HEADERS or PUSH_PROMISE block and its
// CONTINUATION frames.
type headerBlock struct {
	streamID  uint32
	promiseID uint32
	endStream bool
	buf       []byte
}

type frameWriter struct {
	c *Conn
}

func (w frameWriter) Write(p []byte) (int, error) {
	if err := w.c.emit(p, true); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewClient returns the client side of a connection. Call SendPreface once
// the OnFrame callback is in place.
func NewClient(config Config) *Conn {
	c := newConn(RoleClient, config)
	c.nextStreamID = 1
	return c
}

// NewServer returns the server side of a connection. The server SETTINGS are
// written as soon as the client preface has been fed in.
func NewServer(config Config) *Conn {
	c := newConn(RoleServer, config)
	c.nextStreamID = 2
	return c
}

func newConn(role Role, config Config) *Conn {
	logger := config.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "h2",
			Output: os.Stderr,
		})
	}

	c := &Conn{
		role:              role,
		logger:            logger.Named("codec"),
		streams:           make(map[uint32]*Stream),
		sendWindow:        defaultWindowSize,
		peerInitialWindow: defaultWindowSize,
		peerMaxFrameSize:  defaultMaxFrameSize,
		peerPush:          true,
		disablePush:       config.DisablePush,
	}
	c.cond = sync.NewCond(&c.mu)
	c.framer = http2.NewFramer(frameWriter{c}, &c.in)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(headerTableSize, nil)
	return c
}

// Role reports which side of the connection this is.
func (c *Conn) Role() Role { return c.role }

// OnFrame registers the callback receiving serialized bytes to write to the
// socket. Calls are serialized; an error fails the write that produced it.
func (c *Conn) OnFrame(fn func([]byte) error) { c.onFrame = fn }

// OnFrameSent registers a callback run after each frame has been handed to
// OnFrame.
func (c *Conn) OnFrameSent(fn func(http2.FrameHeader)) { c.onFrameSent = fn }

// OnFrameReceived registers a callback run for every parsed inbound frame.
func (c *Conn) OnFrameReceived(fn func(http2.FrameHeader)) { c.onFrameReceived = fn }

// OnStream registers the server callback for streams opened by the peer.
// Stream callbacks must be registered before it returns.
func (c *Conn) OnStream(fn func(*Stream)) { c.onStream = fn }

// OnPromise registers the client callback for streams pushed by the peer.
// Stream callbacks must be registered before it returns.
func (c *Conn) OnPromise(fn func(*Stream)) { c.onPromise = fn }

// OnGoaway registers the callback for a GOAWAY frame from the peer.
func (c *Conn) OnGoaway(fn func(GoAway)) { c.onGoaway = fn }

// emit hands bytes to the OnFrame callback. The caller holds wmu.
func (c *Conn) emit(p []byte, isFrame bool) error {
	if c.onFrame == nil {
		return nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := c.onFrame(buf); err != nil {
		return err
	}
	if isFrame && c.onFrameSent != nil && len(buf) >= frameHeaderLen {
		if fh, err := http2.ReadFrameHeader(bytes.NewReader(buf[:frameHeaderLen])); err == nil {
			c.onFrameSent(fh)
		}
	}
	return nil
}

// write runs fn with exclusive access to the framer.
func (c *Conn) write(fn func(fr *http2.Framer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.isClosed() {
		return ErrConnClosed
	}
	return fn(c.framer)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.isClosed()
}

// SendPreface writes the client connection preface followed by the initial
// SETTINGS and connection WINDOW_UPDATE frames.
func (c *Conn) SendPreface() error {
	if c.role != RoleClient {
		return ErrWrongRole
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.emit([]byte(http2.ClientPreface), false); err != nil {
		return err
	}
	return c.writeSettings()
}

// writeSettings writes this side's SETTINGS once. The caller holds wmu.
func (c *Conn) writeSettings() error {
	c.mu.Lock()
	if c.settingsSent {
		c.mu.Unlock()
		return nil
	}
	c.settingsSent = true
	c.mu.Unlock()

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: streamWindowSize},
		{ID: http2.SettingHeaderTableSize, Val: headerTableSize},
	}
	if c.role == RoleClient {
		push := uint32(1)
		if c.disablePush {
			push = 0
		}
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: push})
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return err
	}
	return c.framer.WriteWindowUpdate(0, connWindowSize-defaultWindowSize)
}

// NewStream returns a client stream. Its id is assigned when its first
// HEADERS frame is written.
func (c *Conn) NewStream() (*Stream, error) {
	if c.role != RoleClient {
		return nil, ErrWrongRole
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.goawayReceived {
		return nil, fmt.Errorf("%w: peer sent goaway", ErrConnClosed)
	}
	return &Stream{conn: c}, nil
}

// Stream returns the open stream with the given id, if any.
func (c *Conn) Stream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// ActiveStreams returns the number of streams that have not closed.
func (c *Conn) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Goaway writes a GOAWAY frame carrying code.
func (c *Conn) Goaway(code http2.ErrCode) error {
	return c.write(func(fr *http2.Framer) error {
		c.mu.Lock()
		last := c.lastPeerStreamID
		c.goawaySent = true
		c.mu.Unlock()
		return fr.WriteGoAway(last, code, nil)
	})
}

// Close marks the connection closed and closes every open stream with
// CANCEL, without writing anything. It is safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	open := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		if !s.closed {
			s.closed = true
			open = append(open, s)
		}
	}
	c.streams = make(map[uint32]*Stream)
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, s := range open {
		s.fireClose(http2.ErrCodeCancel)
	}
}

// Feed processes bytes read from the socket. Every complete frame is handled;
// a trailing partial frame stays buffered until more bytes arrive. Errors
// from individual frames are collected and returned together, and the input
// stays frame aligned so the caller may keep feeding. A connection error
// sends GOAWAY and closes the Conn; Closed reports true afterwards and the
// caller should drop the socket.
func (c *Conn) Feed(p []byte) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	c.in.Write(p)

	if c.role == RoleServer && !c.preface {
		if c.in.Len() < len(http2.ClientPreface) {
			return nil
		}
		got := c.in.Next(len(http2.ClientPreface))
		if string(got) != http2.ClientPreface {
			c.in.Reset()
			return ErrBadPreface
		}
		c.preface = true

		c.wmu.Lock()
		err := c.writeSettings()
		c.wmu.Unlock()
		if err != nil {
			return err
		}
	}

	var errs error
	for c.in.Len() >= frameHeaderLen && !c.isClosed() {
		b := c.in.Bytes()
		size := frameHeaderLen + (int(b[0])<<16 | int(b[1])<<8 | int(b[2]))
		if c.in.Len() < size {
			break
		}

		before := c.in.Len()
		f, err := c.framer.ReadFrame()
		if consumed := before - c.in.Len(); consumed < size {
			c.in.Next(size - consumed)
		}
		if err != nil {
			errs = multierror.Append(errs, c.readError(err))
			continue
		}
		if err := c.handle(f); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// readError answers stream-level parse errors with RST_STREAM. Anything else
// leaves the framer out of step with the peer and fails the connection.
func (c *Conn) readError(err error) error {
	var se http2.StreamError
	if errors.As(err, &se) {
		c.resetStream(se.StreamID, se.Code)
		return fmt.Errorf("stream %d: %w", se.StreamID, err)
	}
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &ce):
		code = http2.ErrCode(ce)
	case errors.Is(err, http2.ErrFrameTooLarge):
		code = http2.ErrCodeFrameSize
	}
	return c.fail(code, err)
}

// fail sends GOAWAY with code and closes the connection. It returns err
// wrapped for the caller to log.
func (c *Conn) fail(code http2.ErrCode, err error) error {
	c.logger.Debug("connection error", "code", code.String(), "error", err)
	gerr := c.write(func(fr *http2.Framer) error {
		c.mu.Lock()
		last := c.lastPeerStreamID
		c.goawaySent = true
		c.mu.Unlock()
		return fr.WriteGoAway(last, code, []byte(err.Error()))
	})
	if gerr != nil {
		c.logger.Debug("failed to send goaway", "error", gerr)
	}
	c.Close()
	return fmt.Errorf("connection error %s: %w", code, err)
}

func (c *Conn) handle(f http2.Frame) error {
	if c.onFrameReceived != nil {
		c.onFrameReceived(f.Header())
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return c.write(func(fr *http2.Framer) error { return fr.WritePing(true, f.Data) })
	case *http2.WindowUpdateFrame:
		c.handleWindowUpdate(f)
	case *http2.HeadersFrame:
		return c.startBlock(&headerBlock{
			streamID:  f.StreamID,
			endStream: f.StreamEnded(),
		}, f.HeaderBlockFragment(), f.HeadersEnded())
	case *http2.PushPromiseFrame:
		if c.role != RoleClient {
			return c.fail(http2.ErrCodeProtocol, errors.New("PUSH_PROMISE sent to a server"))
		}
		return c.startBlock(&headerBlock{
			streamID:  f.StreamID,
			promiseID: f.PromiseID,
		}, f.HeaderBlockFragment(), f.HeadersEnded())
	case *http2.ContinuationFrame:
		if c.block == nil || c.block.streamID != f.StreamID {
			return c.fail(http2.ErrCodeProtocol, fmt.Errorf("unexpected CONTINUATION on stream %d", f.StreamID))
		}
		c.block.buf = append(c.block.buf, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.finishBlock()
		}
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.RSTStreamFrame:
		c.handleReset(f)
	case *http2.GoAwayFrame:
		c.handleGoaway(f)
	}
	return nil
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	c.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.peerInitialWindow
			c.peerInitialWindow = int64(s.Val)
			for _, st := range c.streams {
				st.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			c.peerMaxFrameSize = s.Val
		case http2.SettingEnablePush:
			c.peerPush = s.Val == 1
		}
		return nil
	})
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.write(func(fr *http2.Framer) error { return fr.WriteSettingsAck() })
}

func (c *Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.StreamID == 0 {
		c.sendWindow += int64(f.Increment)
	} else if s, ok := c.streams[f.StreamID]; ok {
		s.sendWindow += int64(f.Increment)
	}
	c.cond.Broadcast()
}

func (c *Conn) startBlock(b *headerBlock, frag []byte, ended bool) error {
	b.buf = append([]byte(nil), frag...)
	c.block = b
	if ended {
		return c.finishBlock()
	}
	return nil
}

func (c *Conn) finishBlock() error {
	b := c.block
	c.block = nil

	// The decoder's dynamic table can't be trusted after a bad block.
	fields, err := c.hdec.DecodeFull(b.buf)
	if err != nil {
		return c.fail(http2.ErrCodeCompression, fmt.Errorf("header block on stream %d: %w", b.streamID, err))
	}
	h := make(header.Map, len(fields))
	for _, hf := range fields {
		if prev, ok := h.Lookup(hf.Name); ok {
			h.Set(hf.Name, prev+", "+hf.Value)
			continue
		}
		h.Set(hf.Name, hf.Value)
	}

	if b.promiseID != 0 {
		return c.handlePromise(b.streamID, b.promiseID, h)
	}
	return c.handleHeaders(b.streamID, h, b.endStream)
}

func (c *Conn) handleHeaders(id uint32, h header.Map, endStream bool) error {
	c.mu.Lock()
	s, ok := c.streams[id]
	created := false
	if !ok {
		if c.role != RoleServer || id%2 == 0 || id <= c.lastPeerStreamID || c.closed {
			c.mu.Unlock()
			// Late frames for a stream we already reset are expected.
			c.logger.Trace("headers for unknown stream", "stream", id)
			return nil
		}
		if c.goawaySent {
			c.lastPeerStreamID = id
			c.mu.Unlock()
			c.resetStream(id, http2.ErrCodeRefusedStream)
			return nil
		}
		s = &Stream{conn: c, id: id, sendWindow: c.peerInitialWindow}
		c.streams[id] = s
		c.lastPeerStreamID = id
		created = true
	}
	c.mu.Unlock()

	if created {
		if c.onStream != nil {
			c.onStream(s)
		}
		s.fireActive()
	}
	s.fireHeaders(h)
	if endStream {
		s.remoteEnded()
	}
	return nil
}

func (c *Conn) handlePromise(parentID, promiseID uint32, h header.Map) error {
	c.mu.Lock()
	if c.disablePush || c.closed {
		c.mu.Unlock()
		c.resetStream(promiseID, http2.ErrCodeRefusedStream)
		return nil
	}
	parent := c.streams[parentID]
	push := &Stream{
		conn:        c,
		id:          promiseID,
		parent:      parent,
		push:        true,
		localClosed: true,
		sendWindow:  c.peerInitialWindow,
	}
	c.streams[promiseID] = push
	if promiseID > c.lastPeerStreamID {
		c.lastPeerStreamID = promiseID
	}
	c.mu.Unlock()

	if c.onPromise != nil {
		c.onPromise(push)
	}
	push.firePromiseHeaders(h)
	return nil
}

func (c *Conn) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	data := append([]byte(nil), f.Data()...)
	end := f.StreamEnded()

	s := c.Stream(id)
	hold := false
	if s != nil {
		c.mu.Lock()
		hold = s.holdCredit
		c.mu.Unlock()
	}

	// Connection credit goes straight back. Stream credit does too, unless
	// the owner holds it until the data has been consumed; padding is never
	// held.
	if n := f.Header().Length; n > 0 {
		streamCredit := n
		if hold {
			streamCredit = n - uint32(len(data))
		}
		err := c.write(func(fr *http2.Framer) error {
			if err := fr.WriteWindowUpdate(0, n); err != nil {
				return err
			}
			if s != nil && !end && streamCredit > 0 {
				return fr.WriteWindowUpdate(id, streamCredit)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if s == nil {
		c.logger.Trace("data for unknown stream", "stream", id)
		return nil
	}
	if len(data) > 0 {
		s.fireData(data)
	}
	if end {
		s.remoteEnded()
	}
	return nil
}

func (c *Conn) handleReset(f *http2.RSTStreamFrame) {
	c.mu.Lock()
	s, ok := c.streams[f.StreamID]
	if !ok || s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	delete(c.streams, f.StreamID)
	c.cond.Broadcast()
	c.mu.Unlock()

	s.fireClose(f.ErrCode)
}

func (c *Conn) handleGoaway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goawayReceived = true
	c.mu.Unlock()

	if c.onGoaway != nil {
		c.onGoaway(GoAway{
			LastStreamID: f.LastStreamID,
			Code:         f.ErrCode,
			Debug:        append([]byte(nil), f.DebugData()...),
		})
	}
}

// resetStream writes RST_STREAM for id, closing the stream if it is known.
func (c *Conn) resetStream(id uint32, code http2.ErrCode) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok && !s.closed {
		s.closed = true
		delete(c.streams, id)
		c.cond.Broadcast()
	} else {
		ok = false
	}
	c.mu.Unlock()

	if err := c.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(id, code) }); err != nil {
		c.logger.Debug("failed to reset stream", "stream", id, "error", err)
	}
	if ok {
		s.fireClose(code)
	}
}

// encodeHeaders HPACK-encodes h, pseudo-headers first. The caller holds wmu.
func (c *Conn) encodeHeaders(h header.Map) ([]byte, error) {
	c.hbuf.Reset()
	for _, k := range h.Keys() {
		if err := c.henc.WriteField(hpack.HeaderField{Name: header.Key(k), Value: h[k]}); err != nil {
			return nil, err
		}
	}
	return c.hbuf.Bytes(), nil
}

// writeBlock writes a header block as HEADERS or PUSH_PROMISE followed by as
// many CONTINUATION frames as the peer's max frame size requires. The caller
// holds wmu.
func (c *Conn) writeBlock(streamID, promiseID uint32, block []byte, endStream bool) error {
	c.mu.Lock()
	max := int(c.peerMaxFrameSize)
	c.mu.Unlock()

	first := true
	for first || len(block) > 0 {
		n := len(block)
		if n > max {
			n = max
		}
		frag := block[:n]
		block = block[n:]
		last := len(block) == 0

		var err error
		switch {
		case !first:
			err = c.framer.WriteContinuation(streamID, last, frag)
		case promiseID != 0:
			err = c.framer.WritePushPromise(http2.PushPromiseParam{
				StreamID:      streamID,
				PromiseID:     promiseID,
				BlockFragment: frag,
				EndHeaders:    last,
			})
		default:
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    last,
			})
		}
		if err != nil {
			return err
		}
		first = false
	}
	return nil
}

// IsClosedError reports whether err means the stream or connection was
// already closed when a write was attempted.
func IsClosedError(err error) bool {
	return errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrConnClosed)
}
