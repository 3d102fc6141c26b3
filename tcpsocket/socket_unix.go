// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build linux || darwin || freebsd

package tcpsocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Supported reports whether Dial works on this platform.
const Supported = true

// Socket is a connected TCP socket in non-blocking mode.
type Socket struct {
	// mu is held for reading by every system call on fd and for writing by
	// Close, so the descriptor is never reused under a pending call.
	mu      sync.RWMutex
	fd      int
	closed  bool
	closing atomic.Bool

	local  net.Addr
	remote net.Addr

	dmu           sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// Dial resolves host, creates a socket with TCP_NODELAY set and connects it
// without blocking, waiting at most timeout for the connect to finish. A
// timeout of zero or less uses DefaultConnectTimeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Socket, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	addr, err := resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	family, sa := sockaddr(addr, port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	s := &Socket{
		fd:     fd,
		remote: &net.TCPAddr{IP: addr.IP, Port: port, Zone: addr.Zone},
	}
	if err := s.connect(sa, timeout); err != nil {
		s.Close()
		return nil, err
	}
	if lsa, err := unix.Getsockname(fd); err == nil {
		s.local = toAddr(lsa)
	}
	return s, nil
}

// Listen binds a listening socket to host and port with the given accept
// backlog, which net.Listen leaves to the system default. An empty host
// listens on every IPv4 address.
func Listen(ctx context.Context, host string, port, backlog int) (net.Listener, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	family, sa := sockaddr(addr, port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", net.JoinHostPort(addr.IP.String(), strconv.Itoa(port)), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	// FileListener dups the descriptor, so ours is closed either way.
	f := os.NewFile(uintptr(fd), "h2-listener")
	defer f.Close()
	return net.FileListener(f)
}

// resolve looks host up, preferring an IPv4 address.
func resolve(ctx context.Context, host string) (net.IPAddr, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return net.IPAddr{}, err
	}
	if len(addrs) == 0 {
		return net.IPAddr{}, fmt.Errorf("no addresses for host %q", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a, nil
		}
	}
	return addrs[0], nil
}

func sockaddr(addr net.IPAddr, port int) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		inet4 := &unix.SockaddrInet4{Port: port}
		copy(inet4.Addr[:], ip4)
		return unix.AF_INET, inet4
	}
	inet6 := &unix.SockaddrInet6{Port: port}
	copy(inet6.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			inet6.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, inet6
}

func (s *Socket) connect(sa unix.Sockaddr, timeout time.Duration) error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}

	err := unix.Connect(s.fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
	default:
		return fmt.Errorf("connect: %w", err)
	}

	_, writable, err := s.Select(false, true, timeout)
	if err != nil {
		return err
	}
	if !writable {
		return ErrTimeout
	}

	if soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soerr != 0 {
		return fmt.Errorf("connect: %w", syscall.Errno(soerr))
	}
	err = unix.Connect(s.fd, sa)
	if err == nil || errors.Is(err, unix.EISCONN) {
		return nil
	}
	return fmt.Errorf("connect: %w", err)
}

// ReadNonblock reads whatever is buffered into p. It returns ErrWaitReadable
// when nothing is, and io.EOF once the peer has closed its side.
func (s *Socket) ReadNonblock(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, net.ErrClosed
	}

	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWaitReadable
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// WriteNonblock writes as much of p as the send buffer takes. It returns
// ErrWaitWritable when it takes nothing.
func (s *Socket) WriteNonblock(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, net.ErrClosed
	}

	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWaitWritable
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// Select waits until the socket is ready in one of the requested directions
// or timeout elapses. A timeout of zero or less waits indefinitely. Hang-ups
// and errors count as readable so the next read reports them.
func (s *Socket) Select(read, write bool, timeout time.Duration) (readable, writable bool, err error) {
	var events int16
	if read {
		events |= unix.POLLIN
	}
	if write {
		events |= unix.POLLOUT
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false, net.ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, false, err
		}
		if n == 0 {
			return false, false, nil
		}
		break
	}

	rev := fds[0].Revents
	failed := rev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
	readable = read && (rev&unix.POLLIN != 0 || failed)
	writable = write && (rev&unix.POLLOUT != 0 || failed)
	return readable, writable, nil
}

// Close shuts the socket down, waking any goroutine blocked in Select, then
// releases the descriptor. It is safe to call more than once.
func (s *Socket) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	unix.Shutdown(s.fd, unix.SHUT_RDWR)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return unix.Close(s.fd)
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	return s.closing.Load()
}

// Read implements net.Conn by waiting for readability between non-blocking
// reads.
func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := s.ReadNonblock(p)
		if !errors.Is(err, ErrWaitReadable) {
			return n, err
		}

		s.dmu.Lock()
		deadline := s.readDeadline
		s.dmu.Unlock()
		d, ok := remaining(deadline)
		if !ok {
			return 0, deadlineError{}
		}
		readable, _, err := s.Select(true, false, d)
		if err != nil {
			return 0, err
		}
		if !readable && d > 0 {
			return 0, deadlineError{}
		}
	}
}

// Write implements net.Conn, retrying partial writes until p is written.
func (s *Socket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := s.WriteNonblock(p[written:])
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrWaitWritable) {
			return written, err
		}

		s.dmu.Lock()
		deadline := s.writeDeadline
		s.dmu.Unlock()
		d, ok := remaining(deadline)
		if !ok {
			return written, deadlineError{}
		}
		_, writable, err := s.Select(false, true, d)
		if err != nil {
			return written, err
		}
		if !writable && d > 0 {
			return written, deadlineError{}
		}
	}
	return written, nil
}

func (s *Socket) LocalAddr() net.Addr  { return s.local }
func (s *Socket) RemoteAddr() net.Addr { return s.remote }

func (s *Socket) SetDeadline(t time.Time) error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.readDeadline = t
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.writeDeadline = t
	return nil
}

func toAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		zone := ""
		if sa.ZoneId != 0 {
			zone = strconv.Itoa(int(sa.ZoneId))
		}
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port, Zone: zone}
	}
	return nil
}
