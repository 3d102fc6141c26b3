// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"

	mcli "github.com/mitchellh/cli"

	"github.com/hashicorp/h2/command/cert"
	"github.com/hashicorp/h2/command/cli"
	"github.com/hashicorp/h2/command/get"
	"github.com/hashicorp/h2/command/serve"
	"github.com/hashicorp/h2/command/version"
)

// RegisteredCommands returns a realized mapping of available CLI commands in a format that
// the CLI class can consume.
func RegisteredCommands(ui cli.Ui) map[string]mcli.CommandFactory {
	registry := map[string]mcli.CommandFactory{}
	registerCommands(ui, registry,
		entry{"cert", func(ui cli.Ui) (cli.Command, error) { return cert.New(ui), nil }},
		entry{"get", func(ui cli.Ui) (cli.Command, error) { return get.New(ui), nil }},
		entry{"serve", func(ui cli.Ui) (cli.Command, error) { return serve.New(ui), nil }},
		entry{"version", func(ui cli.Ui) (cli.Command, error) { return version.New(ui), nil }},
	)
	return registry
}

// factory is a function that returns a new instance of a CLI-sub command.
type factory func(cli.Ui) (cli.Command, error)

// entry is a struct that contains a command's name and a factory for that command.
type entry struct {
	name string
	fn   factory
}

func registerCommands(ui cli.Ui, m map[string]mcli.CommandFactory, cmdEntries ...entry) {
	for _, ent := range cmdEntries {
		thisFn := ent.fn
		if _, ok := m[ent.name]; ok {
			panic(fmt.Sprintf("duplicate command: %q", ent.name))
		}
		m[ent.name] = func() (mcli.Command, error) {
			return thisFn(ui)
		}
	}
}
