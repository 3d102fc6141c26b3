// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package routine tracks the long-running goroutines of a server: its accept
// loop and one read loop per connection.
package routine

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Routine is a long-running task. It must return once ctx is canceled.
type Routine func(ctx context.Context) error

type routineTracker struct {
	cancel    context.CancelFunc
	stoppedCh chan struct{} // closed when no longer running
}

func (r *routineTracker) running() bool {
	select {
	case <-r.stoppedCh:
		return false
	default:
		return true
	}
}

type Manager struct {
	lock   sync.RWMutex
	logger hclog.Logger

	routines map[string]*routineTracker
	wg       sync.WaitGroup
}

func NewManager(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "h2",
			Output: os.Stderr,
		})
	}

	return &Manager{
		logger:   logger,
		routines: make(map[string]*routineTracker),
	}
}

func (m *Manager) IsRunning(name string) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if routine, ok := m.routines[name]; ok {
		return routine.running()
	}
	return false
}

// Running returns the number of routines currently tracked.
func (m *Manager) Running() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.routines)
}

// Start runs routine under name unless a routine with that name is already
// running.
func (m *Manager) Start(ctx context.Context, name string, routine Routine) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if instance, ok := m.routines[name]; ok && instance.running() {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rtCtx, cancel := context.WithCancel(ctx)
	instance := &routineTracker{
		cancel:    cancel,
		stoppedCh: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.execute(rtCtx, name, routine, instance)

	m.routines[name] = instance
	m.logger.Trace("started routine", "routine", name)
	return nil
}

// execute runs the routine in the foreground, then forgets it.
func (m *Manager) execute(ctx context.Context, name string, routine Routine, instance *routineTracker) {
	defer m.wg.Done()
	defer func() {
		m.lock.Lock()
		if m.routines[name] == instance {
			delete(m.routines, name)
		}
		m.lock.Unlock()
		instance.cancel()
		close(instance.stoppedCh)
	}()

	err := routine(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		m.logger.Error("routine exited with error",
			"routine", name,
			"error", err,
		)
	} else {
		m.logger.Trace("stopped routine", "routine", name)
	}
}

// Stop cancels the named routine. The returned channel is closed once it has
// returned.
func (m *Manager) Stop(name string) <-chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	instance, ok := m.routines[name]
	if !ok {
		// Fabricate a closed channel so it won't block forever.
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	m.logger.Trace("stopping routine", "routine", name)
	instance.cancel()
	return instance.stoppedCh
}

// StopAll cancels every routine. Once StopAll is called, it is no longer safe
// to start routines on the Manager.
func (m *Manager) StopAll() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for name, routine := range m.routines {
		if !routine.running() {
			continue
		}
		m.logger.Trace("stopping routine", "routine", name)
		routine.cancel()
	}
}

// Wait blocks until every started routine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
