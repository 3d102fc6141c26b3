// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package client is the client side of an h2 connection. A Client owns one
// TCP (optionally TLS) connection and multiplexes requests over it as
// Streams; a dedicated goroutine reads from the socket for the lifetime of
// the connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/net/http2"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/codec"
	"github.com/hashicorp/h2/header"
	"github.com/hashicorp/h2/ipaddr"
	"github.com/hashicorp/h2/lib/gate"
	"github.com/hashicorp/h2/tcpsocket"
	"github.com/hashicorp/h2/tlsutil"
)

const (
	// DefaultReadSize is the most bytes read from the socket per call.
	DefaultReadSize = 4096

	DefaultPort = 443
)

var (
	// ErrMissingTarget is returned when a Config names neither a URL nor a
	// host and port.
	ErrMissingTarget = errors.New("client: a URL or a host and port are required")

	// ErrClosed is returned by Goaway when the connection is already closed.
	ErrClosed = errors.New("client: connection closed")
)

// Config is used to configure the creation of a Client.
type Config struct {
	// URL is parsed for host, port and scheme. An "http" URL disables TLS.
	URL string

	// Host and Port are used when URL is empty.
	Host string
	Port int

	// TLS configures the TLS connection. A nil TLS with Host and Port set
	// means a plaintext connection; an "https" URL with nil TLS uses the
	// default verification.
	TLS *tlsutil.Config

	// Lazy defers connecting until the first request.
	Lazy bool

	// ConnectTimeout bounds the TCP connect and the TLS handshake.
	ConnectTimeout time.Duration

	// ReadSize is the most bytes read from the socket per call.
	ReadSize int

	// DisablePush makes the connection refuse server pushes.
	DisablePush bool

	Logger hclog.Logger
}

// DefaultConfig returns a default configuration for the client.
func DefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		Lazy:           true,
		ConnectTimeout: tcpsocket.DefaultConnectTimeout,
		ReadSize:       DefaultReadSize,
	}
}

// Request describes one request sent on a new Stream.
type Request struct {
	Method h2.Method
	Path   string

	// Header values that are not strings are formatted; keys are
	// normalized to lower case with underscores turned into hyphens.
	Header map[string]interface{}

	// Params are encoded into the query string of Path.
	Params url.Values

	// Body is sent after the headers. A nil Body ends the stream with the
	// headers.
	Body []byte

	// Prepare runs before any frame of the request is written, so stream
	// callbacks registered there see every event.
	Prepare func(*Stream)
}

// Client is a connection to one server.
type Client struct {
	config *Config
	logger hclog.Logger
	id     string

	host   string
	port   int
	scheme string
	tls    *tlsutil.Config

	codec *codec.Conn

	// readGate parks the read loop until the client SETTINGS are out.
	readGate *gate.Gate
	// gate opens once the read loop has exited.
	gate *gate.Gate

	connectLock sync.Mutex
	connected   bool
	conn        net.Conn
	sock        *tcpsocket.Socket
	closed      atomic.Bool

	lock    sync.Mutex
	streams map[h2.Method]map[string][]*Stream
	byID    map[uint32]*Stream
	last    *Stream

	onClose   func()
	onGoaway  func(codec.GoAway)
	onFrame   func([]byte)
	onPromise func(*Stream)
}

// New returns a Client for the target in config. Unless config.Lazy is set
// it connects before returning.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReadSize <= 0 {
		config.ReadSize = DefaultReadSize
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = tcpsocket.DefaultConnectTimeout
	}

	c := &Client{
		config:   config,
		tls:      config.TLS,
		readGate: gate.New(),
		gate:     gate.New(),
		streams:  make(map[h2.Method]map[string][]*Stream),
		byID:     make(map[uint32]*Stream),
	}

	switch {
	case config.URL != "":
		u, err := url.Parse(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url %q: %w", config.URL, err)
		}
		if u.Hostname() == "" {
			return nil, ErrMissingTarget
		}
		c.host = u.Hostname()
		c.scheme = u.Scheme
		switch u.Scheme {
		case "http":
			c.tls = nil
			c.port = 80
		case "https":
			if c.tls == nil {
				c.tls = &tlsutil.Config{}
			}
			c.port = 443
		default:
			return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid port in url %q", config.URL)
			}
			c.port = port
		}
	case config.Host != "" && config.Port > 0:
		c.host = config.Host
		c.port = config.Port
		c.scheme = "http"
		if c.tls != nil {
			c.scheme = "https"
		}
	default:
		return nil, ErrMissingTarget
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	c.id = id

	logger := config.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "h2",
			Output: os.Stderr,
		})
	}
	c.logger = logger.Named("client").With("conn", id, "authority", c.authority())

	c.codec = codec.NewClient(codec.Config{
		Logger:      c.logger,
		DisablePush: config.DisablePush,
	})
	c.codec.OnFrame(c.write)
	c.codec.OnFrameSent(c.frameSent)
	c.codec.OnFrameReceived(func(fh http2.FrameHeader) {
		c.logger.Trace("received frame", "frame", fh.String())
	})
	c.codec.OnGoaway(c.handleGoaway)
	c.codec.OnPromise(c.handlePromise)

	if !config.Lazy {
		if err := c.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// OnClose registers a callback run when the connection closes.
func (c *Client) OnClose(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onClose = fn
}

// OnGoaway registers a callback run when the server sends GOAWAY, before the
// connection is closed.
func (c *Client) OnGoaway(fn func(codec.GoAway)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onGoaway = fn
}

// OnFrame registers a callback observing every chunk of bytes written.
func (c *Client) OnFrame(fn func([]byte)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onFrame = fn
}

// OnPromise registers a callback run for every stream pushed by the server.
// Stream callbacks registered inside it see the promise headers.
func (c *Client) OnPromise(fn func(*Stream)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onPromise = fn
}

// ID is a unique identifier for this connection, used in logs.
func (c *Client) ID() string { return c.id }

// Scheme is "https" for TLS connections and "http" otherwise.
func (c *Client) Scheme() string { return c.scheme }

func (c *Client) authority() string {
	return ipaddr.JoinHostPort(c.host, c.port)
}

// Connect establishes the connection if it is not up yet and starts the
// read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connectLock.Lock()
	defer c.connectLock.Unlock()

	if c.connected {
		return nil
	}

	if err := c.dial(ctx); err != nil {
		metrics.IncrCounter([]string{"h2", "client", "connect_error"}, 1)
		return err
	}
	c.connected = true

	go c.readLoop()

	if err := c.codec.SendPreface(); err != nil {
		c.closeSocket()
		c.readGate.Open()
		return fmt.Errorf("sending preface: %w", err)
	}
	c.logger.Debug("connected")
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	var raw net.Conn
	if tcpsocket.Supported {
		sock, err := tcpsocket.Dial(ctx, c.host, c.port, c.config.ConnectTimeout)
		if err != nil {
			return err
		}
		c.sock = sock
		raw = sock
	} else {
		d := net.Dialer{Timeout: c.config.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", c.authority())
		if err != nil {
			return err
		}
		raw = conn
	}

	if c.tls == nil {
		c.conn = raw
		return nil
	}

	tlsConfig, err := c.tls.ClientConfig(c.host)
	if err != nil {
		raw.Close()
		return err
	}
	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return err
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != h2.ALPNProtocol {
		c.logger.Warn("server did not negotiate h2", "protocol", proto)
	}

	// TLS records are written with blocking writes.
	c.sock = nil
	c.conn = tlsConn
	return nil
}

// Connected reports whether Connect has succeeded.
func (c *Client) Connected() bool {
	c.connectLock.Lock()
	defer c.connectLock.Unlock()
	return c.connected
}

// Closed reports whether the connection was established and has since
// closed.
func (c *Client) Closed() bool {
	return c.Connected() && c.closed.Load()
}

// Close closes the socket and releases every goroutine blocked on the
// client.
func (c *Client) Close() error {
	c.gate.Open()
	if !c.Connected() {
		return nil
	}
	return c.closeSocket()
}

func (c *Client) closeSocket() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Goaway sends GOAWAY. With block set it waits until the connection has
// closed. It returns ErrClosed if the connection is already closed.
func (c *Client) Goaway(block bool) error {
	if !c.Connected() || c.Closed() {
		return ErrClosed
	}
	if err := c.codec.Goaway(http2.ErrCodeNo); err != nil {
		return err
	}
	if block {
		c.Block(0)
	}
	return nil
}

// Block waits until the connection closes, or timeout elapses when it is
// positive. It reports whether the connection closed.
func (c *Client) Block(timeout time.Duration) bool {
	return c.gate.Wait(timeout)
}

// Get sends a GET request for path.
func (c *Client) Get(ctx context.Context, path string) (*Stream, error) {
	return c.Request(ctx, Request{Method: h2.MethodGet, Path: path})
}

// Request opens a new Stream and sends req on it, connecting first if
// needed. It does not wait for the response.
func (c *Client) Request(ctx context.Context, req Request) (*Stream, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = h2.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	path = addParams(path, req.Params)

	cs, err := c.codec.NewStream()
	if err != nil {
		return nil, err
	}
	s := newStream(c, cs, nil)
	if req.Prepare != nil {
		req.Prepare(s)
	}
	c.addStream(method, path, s)

	if err := cs.Headers(c.buildHeaders(method, path, req.Header), req.Body == nil); err != nil {
		return nil, err
	}
	c.lock.Lock()
	c.byID[cs.ID()] = s
	c.lock.Unlock()
	metrics.IncrCounter([]string{"h2", "client", "request"}, 1)

	if req.Body != nil {
		if err := cs.Data(req.Body, true); err != nil {
			return s, err
		}
	}
	return s, nil
}

// buildHeaders puts the pseudo-headers first, then the user agent, then the
// caller's headers.
func (c *Client) buildHeaders(method h2.Method, path string, extra map[string]interface{}) header.Map {
	h := header.Map{
		h2.AuthorityKey: c.authority(),
		h2.MethodKey:    method.Wire(),
		h2.PathKey:      path,
		h2.SchemeKey:    c.scheme,
		h2.UserAgentKey: h2.UserAgent,
	}
	return h.Merge(header.Stringify(extra))
}

func addParams(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	sep := "?"
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			sep = "&"
			break
		}
	}
	return path + sep + params.Encode()
}

func (c *Client) addStream(method h2.Method, path string, s *Stream) {
	c.lock.Lock()
	defer c.lock.Unlock()

	paths, ok := c.streams[method]
	if !ok {
		paths = make(map[string][]*Stream)
		c.streams[method] = paths
	}
	paths[path] = append(paths[path], s)
	if id := s.ID(); id != 0 {
		c.byID[id] = s
	}
}

// Streams returns the streams opened, or pushed, for method and path.
func (c *Client) Streams(method h2.Method, path string) []*Stream {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Stream(nil), c.streams[method][path]...)
}

// Stream returns the stream with the given id.
func (c *Client) Stream(id uint32) *Stream {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.byID[id]
}

// LastStream returns the stream that closed most recently.
func (c *Client) LastStream() *Stream {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.last
}

func (c *Client) setLast(s *Stream) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.last = s
}

// readLoop feeds the codec until the socket is done, then tears the
// connection down.
func (c *Client) readLoop() {
	defer func() {
		c.closeSocket()
		c.codec.Close()
		c.gate.Open()
		c.logger.Debug("connection closed")
		c.lock.Lock()
		onClose := c.onClose
		c.lock.Unlock()
		if onClose != nil {
			onClose()
		}
	}()

	c.readGate.Wait(0)

	buf := make([]byte, c.config.ReadSize)
	for {
		n, err := c.read(buf)
		if n > 0 {
			if ferr := c.codec.Feed(buf[:n]); ferr != nil {
				c.logger.Error("protocol error", "error", ferr)
				if c.codec.Closed() {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
	}
}

func (c *Client) read(buf []byte) (int, error) {
	if c.sock == nil {
		return c.conn.Read(buf)
	}
	for {
		n, err := c.sock.ReadNonblock(buf)
		if !errors.Is(err, tcpsocket.ErrWaitReadable) {
			return n, err
		}
		if _, _, err := c.sock.Select(true, false, 0); err != nil {
			return 0, err
		}
	}
}

// write is the codec's frame sink. The codec serializes calls.
func (c *Client) write(b []byte) error {
	c.lock.Lock()
	onFrame := c.onFrame
	c.lock.Unlock()
	if onFrame != nil {
		onFrame(b)
	}

	var err error
	if c.sock != nil {
		err = c.writeNonblock(b)
	} else {
		_, err = c.conn.Write(b)
	}
	if err != nil {
		c.logger.Debug("write failed, closing", "error", err)
		c.closeSocket()
	}
	return err
}

func (c *Client) writeNonblock(b []byte) error {
	for len(b) > 0 {
		n, err := c.sock.WriteNonblock(b)
		if errors.Is(err, tcpsocket.ErrWaitWritable) {
			if _, _, err := c.sock.Select(false, true, 0); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (c *Client) frameSent(fh http2.FrameHeader) {
	if fh.Type == http2.FrameSettings {
		c.readGate.Open()
	}
	c.logger.Trace("sent frame", "frame", fh.String())
}

func (c *Client) handleGoaway(g codec.GoAway) {
	c.logger.Debug("received goaway", "code", g.Code.String(), "last_stream", g.LastStreamID)
	c.lock.Lock()
	onGoaway := c.onGoaway
	c.lock.Unlock()
	if onGoaway != nil {
		onGoaway(g)
	}
	c.Close()
}

func (c *Client) handlePromise(cs *codec.Stream) {
	var parent *Stream
	if p := cs.Parent(); p != nil {
		parent, _ = p.Value().(*Stream)
	}
	s := newStream(c, cs, parent)
	if parent != nil {
		parent.addPush(s)
	}
	s.afterClose = func() {
		h := s.HeadersNow()
		method, err := h2.ParseMethod(h.Get(h2.MethodKey))
		if err != nil {
			c.logger.Warn("pushed stream has no usable method", "stream", s.ID(), "error", err)
		}
		c.addStream(method, h.Get(h2.PathKey), s)
	}
	metrics.IncrCounter([]string{"h2", "client", "push"}, 1)

	c.lock.Lock()
	onPromise := c.onPromise
	c.lock.Unlock()
	if onPromise != nil {
		onPromise(s)
	}
}

// Do connects to the target in config and sends req. When config has a URL
// and req has no path, the URL's path and query are requested. The returned
// Stream's Client stays open until closed by the caller.
func Do(ctx context.Context, config *Config, req Request) (*Stream, error) {
	if config == nil {
		return nil, ErrMissingTarget
	}
	if config.URL != "" && req.Path == "" {
		u, err := url.Parse(config.URL)
		if err != nil {
			return nil, err
		}
		req.Path = u.RequestURI()
	}

	c, err := New(config)
	if err != nil {
		return nil, err
	}
	s, err := c.Request(ctx, req)
	if err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}
