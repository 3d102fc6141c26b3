// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package routine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func blockUntilCanceled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())

	require.NoError(t, m.Start(context.Background(), "accept", blockUntilCanceled))
	require.True(t, m.IsRunning("accept"))

	// starting again under the same name is a no-op
	require.NoError(t, m.Start(context.Background(), "accept", blockUntilCanceled))
	require.Equal(t, 1, m.Running())

	select {
	case <-m.Stop("accept"):
	case <-time.After(time.Second):
		t.Fatal("routine did not stop")
	}
	require.False(t, m.IsRunning("accept"))
	require.Equal(t, 0, m.Running())
}

func TestManager_StopUnknown(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())

	select {
	case <-m.Stop("nope"):
	default:
		t.Fatal("stopping an unknown routine should not block")
	}
}

func TestManager_FinishedRoutinesAreForgotten(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())

	require.NoError(t, m.Start(context.Background(), "conn", func(context.Context) error {
		return errors.New("peer went away")
	}))
	m.Wait()
	require.False(t, m.IsRunning("conn"))
	require.Equal(t, 0, m.Running())
}

func TestManager_StopAll(t *testing.T) {
	m := NewManager(hclog.NewNullLogger())

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Start(context.Background(), name, blockUntilCanceled))
	}
	m.StopAll()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("routines did not stop")
	}
}
