// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGate_OpenReleasesAllWaiters(t *testing.T) {
	g := New()

	const waiters = 50
	var wg sync.WaitGroup
	released := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			released <- g.Wait(0)
		}()
	}

	// Give the waiters a chance to park before opening.
	time.Sleep(20 * time.Millisecond)
	require.False(t, g.IsOpen())
	g.Open()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not released")
	}

	close(released)
	for ok := range released {
		require.True(t, ok)
	}
}

func TestGate_WaitAfterOpenDoesNotBlock(t *testing.T) {
	g := New()
	g.Open()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, g.Wait(0))
		require.True(t, g.Wait(time.Hour))
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestGate_OpenIsIdempotent(t *testing.T) {
	g := New()
	g.Open()
	g.Open()
	require.True(t, g.IsOpen())
}

func TestGate_WaitTimeout(t *testing.T) {
	g := New()

	start := time.Now()
	require.False(t, g.Wait(30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.False(t, g.IsOpen())

	// A timed out waiter must not disturb the others.
	result := make(chan bool, 1)
	go func() { result <- g.Wait(5 * time.Second) }()
	time.Sleep(50 * time.Millisecond)
	g.Open()
	require.True(t, <-result)
}
