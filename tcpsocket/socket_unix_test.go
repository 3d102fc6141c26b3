// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build linux || darwin || freebsd

package tcpsocket

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (*net.TCPListener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.(*net.TCPListener), l.Addr().(*net.TCPAddr).Port
}

func accept(t *testing.T, l *net.TCPListener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- conn
	}()
	return ch
}

func TestDial_ReadWriteNonblock(t *testing.T) {
	l, port := listen(t)
	accepted := accept(t, l)

	s, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	defer s.Close()

	peer := <-accepted
	require.NotNil(t, peer)
	defer peer.Close()

	require.Equal(t, peer.LocalAddr().String(), s.RemoteAddr().String())
	require.Equal(t, peer.RemoteAddr().String(), s.LocalAddr().String())

	// nothing has been sent yet
	buf := make([]byte, 64)
	_, err = s.ReadNonblock(buf)
	require.ErrorIs(t, err, ErrWaitReadable)

	readable, _, err := s.Select(true, false, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, readable)

	_, writable, err := s.Select(false, true, time.Second)
	require.NoError(t, err)
	require.True(t, writable)

	n, err := s.WriteNonblock([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got := make([]byte, 4)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)

	readable, _, err = s.Select(true, false, time.Second)
	require.NoError(t, err)
	require.True(t, readable)
	n, err = s.ReadNonblock(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	// peer hangs up
	peer.Close()
	readable, _, err = s.Select(true, false, time.Second)
	require.NoError(t, err)
	require.True(t, readable)
	_, err = s.ReadNonblock(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestDial_Resolves(t *testing.T) {
	l, port := listen(t)
	accepted := accept(t, l)

	s, err := Dial(context.Background(), "localhost", port, time.Second)
	if err != nil {
		t.Skipf("localhost does not resolve to 127.0.0.1 here: %v", err)
	}
	defer s.Close()
	if peer := <-accepted; peer != nil {
		peer.Close()
	}
}

func TestDial_Refused(t *testing.T) {
	l, port := listen(t)
	l.Close()

	_, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTimeout))
}

func TestDial_Timeout(t *testing.T) {
	// 10.255.255.1 is not routed in most environments, so the connect hangs.
	_, err := Dial(context.Background(), "10.255.255.1", 81, 50*time.Millisecond)
	if err == nil || !errors.Is(err, ErrTimeout) {
		t.Skipf("environment did not leave the connect pending: %v", err)
	}
}

func TestSocket_CloseWakesSelect(t *testing.T) {
	l, port := listen(t)
	accepted := accept(t, l)

	s, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	peer := <-accepted
	defer peer.Close()

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Select(true, false, 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	require.True(t, s.Closed())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("select was not woken by close")
	}

	_, err = s.ReadNonblock(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = s.WriteNonblock([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)

	// closing twice is fine
	require.NoError(t, s.Close())
}

func TestSocket_NetConn(t *testing.T) {
	l, port := listen(t)
	accepted := accept(t, l)

	s, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	defer s.Close()
	peer := <-accepted
	defer peer.Close()

	var conn net.Conn = s

	// a large write has to wait for the peer to drain
	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	readErr := make(chan error, 1)
	go func() {
		got := make([]byte, len(payload))
		_, err := io.ReadFull(peer, got)
		if err == nil && string(got) != string(payload) {
			err = errors.New("payload mismatch")
		}
		readErr <- err
	}()
	n, err := conn.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, <-readErr)

	// blocking read with a deadline
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Millisecond)))
	_, err = conn.Read(make([]byte, 8))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	require.True(t, ne.Timeout())

	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	go peer.Write([]byte("hello"))
	buf := make([]byte, 8)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestListen_Backlog(t *testing.T) {
	l, err := Listen(context.Background(), "127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	require.NotZero(t, port)

	accepted := accept(t, l.(*net.TCPListener))
	s, err := Dial(context.Background(), "127.0.0.1", port, time.Second)
	require.NoError(t, err)
	defer s.Close()

	peer := <-accepted
	require.NotNil(t, peer)
	peer.Close()
}

func TestListen_BadHost(t *testing.T) {
	_, err := Listen(context.Background(), "no-such-host.invalid", 0, 16)
	require.Error(t, err)
}
