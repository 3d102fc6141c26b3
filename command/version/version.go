// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/version"
)

func New(ui cli.Ui) *cmd {
	return &cmd{UI: ui}
}

type cmd struct {
	UI cli.Ui
}

func (c *cmd) Run(_ []string) int {
	c.UI.Output(fmt.Sprintf("h2 %s", version.GetHumanVersion()))
	c.UI.Output(fmt.Sprintf("Protocol: %s (ALPN), h2c", h2.ALPNProtocol))
	return 0
}

func (c *cmd) Synopsis() string {
	return "Prints the h2 version"
}

func (c *cmd) Help() string {
	return ""
}
