// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/h2/internal/testutil"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func startWatcher(t *testing.T, files ...string) *Watcher {
	t.Helper()
	w, err := New(files, testutil.Logger(t))
	require.NoError(t, err)
	w.Start(context.Background())
	t.Cleanup(func() { w.Stop() })
	return w
}

func expectEvent(t *testing.T, w *Watcher, filename string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events:
			if ev.Filename == filename {
				return
			}
		case <-timeout:
			t.Fatalf("no event for %s", filename)
		}
	}
}

func TestWatcher_write(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	writeFile(t, cert, "one")

	w := startWatcher(t, cert)
	writeFile(t, cert, "two")
	expectEvent(t, w, cert)
}

func TestWatcher_replace(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	writeFile(t, cert, "one")

	w := startWatcher(t, cert)

	tmp := filepath.Join(dir, "cert.pem.tmp")
	writeFile(t, tmp, "two")
	require.NoError(t, os.Remove(cert))
	require.NoError(t, os.Rename(tmp, cert))
	expectEvent(t, w, cert)

	// still watched after the replacement
	time.Sleep(2 * DefaultReconcile)
	writeFile(t, cert, "three")
	expectEvent(t, w, cert)
}

func TestWatcher_errors(t *testing.T) {
	dir := t.TempDir()
	_, err := New([]string{filepath.Join(dir, "missing.pem")}, nil)
	require.Error(t, err)

	target := filepath.Join(dir, "target.pem")
	writeFile(t, target, "x")
	link := filepath.Join(dir, "link.pem")
	require.NoError(t, os.Symlink(target, link))
	_, err = New([]string{link}, nil)
	require.ErrorContains(t, err, "symbolic links are not supported")
}

func TestWatcher_stop(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	writeFile(t, cert, "one")

	w, err := New([]string{cert}, nil)
	require.NoError(t, err)
	w.Start(context.Background())
	w.Start(context.Background())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, ok := <-w.Events
	require.False(t, ok)
}
