// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicUI(t *testing.T) {
	var stdout, stderr bytes.Buffer
	ui := NewBasicUI(&stdout, &stderr)

	ui.Output("listening")
	ui.Error("no certificate")
	require.Equal(t, "listening\n", stdout.String())
	require.Equal(t, "no certificate\n", stderr.String())

	var _ Ui = ui
	require.Same(t, &stdout, ui.Stdout())
	require.Same(t, &stderr, ui.Stderr())
}
