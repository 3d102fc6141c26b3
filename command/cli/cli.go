// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cli holds the terminal plumbing shared by the h2 subcommands.
package cli

import (
	"io"

	mcli "github.com/mitchellh/cli"
)

// Ui is the mitchellh/cli.Ui handed to every subcommand. It also exposes the
// raw writers for output that is not line oriented, such as the metrics dump
// of "h2 serve".
type Ui interface {
	mcli.Ui
	Stdout() io.Writer
	Stderr() io.Writer
}

// BasicUI is a Ui over a pair of writers.
type BasicUI struct {
	mcli.BasicUi
}

// NewBasicUI returns a BasicUI writing output to stdout and errors to stderr.
func NewBasicUI(stdout, stderr io.Writer) *BasicUI {
	return &BasicUI{BasicUi: mcli.BasicUi{Writer: stdout, ErrorWriter: stderr}}
}

func (b *BasicUI) Stdout() io.Writer { return b.Writer }

func (b *BasicUI) Stderr() io.Writer { return b.ErrorWriter }

// Command is implemented by every subcommand.
type Command mcli.Command
