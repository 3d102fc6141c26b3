// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker runs fire-and-forget tasks off the connection read loops.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"
)

const DefaultSize = 64

// Pool bounds how many submitted tasks run at once. Submit never blocks the
// caller; tasks wait for a slot in their own goroutine.
type Pool struct {
	logger hclog.Logger
	sem    *semaphore.Weighted

	// lock orders wg.Add against Stop, so Wait after Stop never races a
	// late Submit.
	lock    sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a pool running at most size tasks concurrently. A size of zero
// or less uses DefaultSize.
func New(size int, logger hclog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "h2",
			Output: os.Stderr,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.Named("worker"),
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn. Tasks submitted after Stop are dropped.
func (p *Pool) Submit(fn func()) {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		p.logger.Warn("dropping task submitted after stop")
		return
	}
	p.wg.Add(1)
	p.lock.Unlock()

	metrics.IncrCounter([]string{"h2", "worker", "submitted"}, 1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		p.run(fn)
	}()
}

// After schedules fn to run once d has elapsed.
func (p *Pool) After(d time.Duration, fn func()) {
	p.Submit(func() {
		select {
		case <-time.After(d):
			fn()
		case <-p.ctx.Done():
		}
	})
}

func (p *Pool) run(fn func()) {
	defer metrics.MeasureSince([]string{"h2", "worker", "task"}, time.Now())
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Wait blocks until every submitted task has returned. Call it after Stop
// when other goroutines may still be submitting.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop drops tasks still waiting for a slot and rejects new ones. Running
// tasks are not interrupted.
func (p *Pool) Stop() {
	p.lock.Lock()
	p.stopped = true
	p.lock.Unlock()
	p.cancel()
}
