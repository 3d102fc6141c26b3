// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(4, hclog.NewNullLogger())

	var n int32
	for i := 0; i < 100; i++ {
		p.Submit(func() { atomic.AddInt32(&n, 1) })
	}
	p.Wait()
	require.Equal(t, int32(100), atomic.LoadInt32(&n))
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(2, hclog.NewNullLogger())

	var running, peak int32
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	p.Wait()
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(1, hclog.NewNullLogger())

	ran := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
	p.Wait()
}

func TestPool_After(t *testing.T) {
	p := New(1, hclog.NewNullLogger())

	start := time.Now()
	done := make(chan time.Duration, 1)
	p.After(30*time.Millisecond, func() { done <- time.Since(start) })
	require.GreaterOrEqual(t, <-done, 30*time.Millisecond)
}

func TestPool_StopDropsNewTasks(t *testing.T) {
	p := New(1, hclog.NewNullLogger())
	p.Stop()

	var n int32
	p.Submit(func() { atomic.AddInt32(&n, 1) })
	p.Wait()
	require.Zero(t, atomic.LoadInt32(&n))
}

func TestPool_StopWhileSubmitting(t *testing.T) {
	p := New(4, hclog.NewNullLogger())

	var ran atomic.Int32
	var submitters sync.WaitGroup
	for i := 0; i < 8; i++ {
		submitters.Add(1)
		go func() {
			defer submitters.Done()
			for j := 0; j < 100; j++ {
				p.Submit(func() { ran.Add(1) })
			}
		}()
	}

	time.Sleep(time.Millisecond)
	p.Stop()
	p.Wait()
	after := ran.Load()

	// nothing submitted once Stop returned gets to run
	submitters.Wait()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, after, ran.Load())
}
