// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"
)

func TestCertCommand_noTabs(t *testing.T) {
	if strings.ContainsRune(New(cli.NewMockUi()).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func TestCertCommand(t *testing.T) {
	dir := t.TempDir()
	ui := cli.NewMockUi()
	cmd := New(ui)

	require.Equal(t, 0, cmd.Run([]string{"-dir", dir, "-host", "example.com", "-host", "10.0.0.1"}), ui.ErrorWriter.String())
	for _, name := range []string{"h2-ca.pem", "h2-ca-key.pem", "h2-server.pem", "h2-server-key.pem"} {
		require.Contains(t, ui.OutputWriter.String(), "==> Saved "+filepath.Join(dir, name))
	}

	raw, err := os.ReadFile(filepath.Join(dir, "h2-server.pem"))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, leaf.DNSNames)
	require.Equal(t, "10.0.0.1", leaf.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, "h2-server-key.pem"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCertCommand_refusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "h2-ca.pem"), []byte("x"), 0644))

	ui := cli.NewMockUi()
	require.Equal(t, 1, New(ui).Run([]string{"-dir", dir}))
	require.Contains(t, ui.ErrorWriter.String(), "already exists")
}

func TestCertCommand_badDays(t *testing.T) {
	ui := cli.NewMockUi()
	require.Equal(t, 1, New(ui).Run([]string{"-dir", t.TempDir(), "-days", "0"}))
}
