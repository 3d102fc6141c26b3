// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"bytes"
	"strings"
	"testing"

	mcli "github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/h2/command/cli"
)

func TestRegisteredCommands(t *testing.T) {
	ui := cli.NewBasicUI(&bytes.Buffer{}, &bytes.Buffer{})
	cmds := RegisteredCommands(ui)
	require.Len(t, cmds, 4)

	for name, fn := range cmds {
		cmd, err := fn()
		require.NoError(t, err, name)
		require.NotEmpty(t, cmd.Synopsis(), name)
		require.False(t, strings.ContainsRune(cmd.Help(), '\t'), "%s help has tabs", name)
	}
}

func TestRegisterCommands_duplicate(t *testing.T) {
	ui := &cli.BasicUI{}
	fn := func(cli.Ui) (cli.Command, error) { return nil, nil }
	require.Panics(t, func() {
		registerCommands(ui, map[string]mcli.CommandFactory{}, entry{"get", fn}, entry{"get", fn})
	})
}
