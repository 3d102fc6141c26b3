// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package server is the server side of an h2 connection. A Server accepts
// connections, plaintext (h2c) or TLS with h2 negotiated through ALPN, and
// hands each one to a connection handler, which registers the handler run
// for every request on it. Requests are dispatched on a worker pool so a
// slow handler never holds up a connection's read loop.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/ipaddr"
	"github.com/hashicorp/h2/lib/routine"
	"github.com/hashicorp/h2/lib/worker"
	"github.com/hashicorp/h2/tcpsocket"
	"github.com/hashicorp/h2/tlsutil"
)

const (
	DefaultBacklog  = 100
	DefaultReadSize = 4096

	handshakeTimeout = 10 * time.Second
	acceptRoutine    = "accept"
)

// Config is used to configure the creation of a Server.
type Config struct {
	// Host is an address, a host name or a go-sockaddr template such as
	// "{{ GetPrivateIP }}". Empty listens on every IPv4 address.
	Host string `mapstructure:"host"`

	// Port 0 picks a free port; see Server.Addr.
	Port int `mapstructure:"port"`

	// Gzip and Deflate enable the matching content encodings.
	Gzip    bool `mapstructure:"gzip"`
	Deflate bool `mapstructure:"deflate"`

	// Backlog is the listen queue length.
	Backlog int `mapstructure:"backlog"`

	// Workers bounds how many handlers and push deliveries run at once.
	Workers int `mapstructure:"workers"`

	// ReadSize is the most bytes read from a connection per call.
	ReadSize int `mapstructure:"read_size"`

	// MaxConnsPerClient limits the open connections from one client IP.
	// Zero means no limit.
	MaxConnsPerClient int `mapstructure:"max_conns_per_client"`

	// TLS serves h2 over TLS when set; otherwise connections are h2c.
	TLS *tlsutil.Config `mapstructure:"-"`

	Logger hclog.Logger `mapstructure:"-"`
}

// DefaultConfig returns a default configuration for the server.
func DefaultConfig() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Gzip:     true,
		Deflate:  true,
		Backlog:  DefaultBacklog,
		Workers:  worker.DefaultSize,
		ReadSize: DefaultReadSize,
	}
}

// DecodeConfig builds a Config from a raw options map on top of the
// defaults. A "tls" entry is decoded with tlsutil.Decode. Unknown keys are
// an error.
func DecodeConfig(raw map[string]interface{}) (*Config, error) {
	config := DefaultConfig()

	rest := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k != "tls" {
			rest[k] = v
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid tls options: expected a map, got %T", v)
		}
		tlsConfig, err := tlsutil.Decode(m)
		if err != nil {
			return nil, err
		}
		config.TLS = tlsConfig
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           config,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(rest); err != nil {
		return nil, fmt.Errorf("invalid server options: %w", err)
	}
	return config, nil
}

// Server accepts h2 connections.
type Server struct {
	config   *Config
	logger   hclog.Logger
	listener net.Listener
	loader   *tlsutil.Loader
	limiter  *connlimit.Limiter

	onConnection func(*Connection)

	workers  *worker.Pool
	routines *routine.Manager

	// ctx parents every connection's read loop; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	lock     sync.Mutex
	conns    map[*Connection]struct{}
	shutdown bool
}

// New listens on the configured address and starts accepting. onConnection
// runs for every new connection before the server reads from it; it
// typically calls EachStream, and may Detach the connection.
func New(config *Config, onConnection func(*Connection)) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Backlog <= 0 {
		config.Backlog = DefaultBacklog
	}
	if config.ReadSize <= 0 {
		config.ReadSize = DefaultReadSize
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "h2",
			Output: os.Stderr,
		})
	}

	host, err := ipaddr.ParseSingleIP(config.Host)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:       config,
		logger:       logger.Named("server"),
		onConnection: onConnection,
		conns:        make(map[*Connection]struct{}),
	}
	s.limiter = connlimit.NewLimiter(connlimit.Config{
		MaxConnsPerClientIP: config.MaxConnsPerClient,
	})

	if config.TLS != nil {
		s.loader, err = tlsutil.NewLoader(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("loading tls config: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l, err := tcpsocket.Listen(ctx, host, config.Port, config.Backlog)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = l
	s.ctx, s.cancel = ctx, cancel
	s.workers = worker.New(config.Workers, s.logger)
	s.routines = routine.NewManager(s.logger)
	s.logger = s.logger.With("addr", l.Addr().String())

	if err := s.routines.Start(ctx, acceptRoutine, s.accept); err != nil {
		s.Shutdown(context.Background())
		return nil, err
	}
	scheme := "h2c"
	if s.loader != nil {
		scheme = "h2"
	}
	s.logger.Info("listening", "protocol", scheme)
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Port returns the port the server listens on.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// TLS reports whether connections are served over TLS.
func (s *Server) TLS() bool { return s.loader != nil }

// Config returns the server configuration.
func (s *Server) Config() *Config { return s.config }

// ReloadTLS swaps the TLS configuration used for new connections. On error
// the current configuration stays in place.
func (s *Server) ReloadTLS(config *tlsutil.Config) error {
	if s.loader == nil {
		return errors.New("server is not serving tls")
	}
	if err := s.loader.Reload(config); err != nil {
		return err
	}
	s.logger.Info("reloaded tls configuration")
	return nil
}

func (s *Server) accept(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timed out, retrying", "error", err)
				continue
			}
			return err
		}

		free, err := s.limiter.Accept(conn)
		if err != nil {
			s.logger.Warn("rejecting connection", "peer", conn.RemoteAddr().String(), "error", err)
			metrics.IncrCounter([]string{"h2", "server", "connection", "rejected"}, 1)
			conn.Close()
			continue
		}
		metrics.IncrCounter([]string{"h2", "server", "connection"}, 1)
		s.startConnection(s.ctx, conn, free)
	}
}

// startConnection serves conn on its own routine. free releases the
// connection's slot in the per-client limit once the server is done with it.
func (s *Server) startConnection(ctx context.Context, conn net.Conn, free func()) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		s.logger.Error("failed to set up connection", "error", err)
		free()
		conn.Close()
		return
	}

	err = s.routines.Start(ctx, "conn/"+id, func(ctx context.Context) error {
		defer free()
		return s.serve(ctx, id, conn)
	})
	if err != nil {
		free()
		conn.Close()
		s.logger.Error("failed to start connection", "error", err)
	}
}

// serve finishes the TLS handshake, runs the connection handler and then
// the read loop, unless the handler detached the connection.
func (s *Server) serve(ctx context.Context, id string, conn net.Conn) error {
	if s.loader != nil {
		tlsConn := tls.Server(conn, s.loader.IncomingTLSConfig())
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Debug("tls handshake failed", "peer", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			return nil
		}
		if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != h2.ALPNProtocol {
			s.logger.Warn("client did not negotiate h2", "peer", conn.RemoteAddr().String(), "protocol", proto)
		}
		conn = tlsConn
	}

	c := newConnection(s, id, conn)
	if !s.track(c) {
		conn.Close()
		return nil
	}

	c.logger.Debug("new connection")
	if s.onConnection != nil {
		s.onConnection(c)
	}
	if !c.Attached() {
		return nil
	}
	return c.Read(ctx)
}

func (s *Server) track(c *Connection) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) forget(c *Connection) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.conns, c)
}

// Connections returns the number of attached connections.
func (s *Server) Connections() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every attached connection and waits for
// the read loops and scheduled tasks to finish, or for ctx to be done.
// Detached connections are left alone.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	if s.shutdown {
		s.lock.Unlock()
		return nil
	}
	s.shutdown = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()

	var merr error
	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		merr = multierror.Append(merr, fmt.Errorf("closing listener: %w", err))
	}
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			merr = multierror.Append(merr, fmt.Errorf("closing connection %s: %w", c.id, err))
		}
	}
	s.routines.StopAll()
	s.workers.Stop()

	done := make(chan struct{})
	go func() {
		s.routines.Wait()
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		merr = multierror.Append(merr, ctx.Err())
	}

	s.logger.Info("shut down")
	return merr
}
