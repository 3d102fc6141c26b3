// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package gate provides a one-shot latch used to block until a connection or
// stream has finished.
package gate

import (
	"sync"
	"time"
)

// Gate starts closed. Any number of goroutines may Wait on it; once Open is
// called every current waiter is released and future waits return
// immediately. A Gate cannot be closed again.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// New returns a closed gate.
func New() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Open releases all waiters. Calls after the first are no-ops.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cond == nil {
		return
	}
	g.cond.Broadcast()
	g.cond = nil
}

// IsOpen reports whether Open has been called.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cond == nil
}

// Wait blocks until the gate is opened or the timeout elapses. A timeout of
// zero or less waits forever. It returns true if the gate is open.
func (g *Gate) Wait(timeout time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cond := g.cond
	if cond == nil {
		return true
	}

	if timeout <= 0 {
		for g.cond != nil {
			cond.Wait()
		}
		return true
	}

	expired := false
	timer := time.AfterFunc(timeout, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		expired = true
		if g.cond != nil {
			g.cond.Broadcast()
		}
	})
	defer timer.Stop()

	for g.cond != nil && !expired {
		cond.Wait()
	}
	return g.cond == nil
}
