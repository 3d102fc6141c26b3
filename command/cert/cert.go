// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cert

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/h2/command/flags"
	"github.com/hashicorp/h2/tlsutil"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI     cli.Ui
	flags  *flag.FlagSet
	dir    string
	days   int
	prefix string
	hosts  flags.AppendSliceValue
	help   string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.dir, "dir", ".", "Directory the certificates and keys are written to.")
	c.flags.IntVar(&c.days, "days", 365, "Provide number of days the certificates are valid for from now on. Defaults to 1 year.")
	c.flags.StringVar(&c.prefix, "prefix", "h2", "Prefix for the generated files. Defaults to h2.")
	c.flags.Var(&c.hosts, "host", "A DNS name or IP address the server certificate is valid for. "+
		"localhost and 127.0.0.1 are used when none is given. This flag may be provided multiple times.")
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		c.UI.Error(fmt.Sprintf("Failed to parse args: %v", err))
		return 1
	}
	if c.days <= 0 {
		c.UI.Error("Please provide a positive number of days")
		return 1
	}

	var hosts []string
	for _, h := range c.hosts {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	files := map[string]string{
		"ca":         filepath.Join(c.dir, c.prefix+"-ca.pem"),
		"ca-key":     filepath.Join(c.dir, c.prefix+"-ca-key.pem"),
		"server":     filepath.Join(c.dir, c.prefix+"-server.pem"),
		"server-key": filepath.Join(c.dir, c.prefix+"-server-key.pem"),
	}
	for _, name := range files {
		if !fileDoesNotExist(name) {
			c.UI.Error(fmt.Sprintf("File %s already exists", name))
			return 1
		}
	}

	certs, err := tlsutil.GenerateServerCerts(c.days, hosts...)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	for _, f := range []struct {
		name, content string
		mode          os.FileMode
	}{
		{files["ca"], certs.CA, 0644},
		{files["ca-key"], certs.CAKey, 0600},
		{files["server"], certs.Cert, 0644},
		{files["server-key"], certs.Key, 0600},
	} {
		if err := os.WriteFile(f.name, []byte(f.content), f.mode); err != nil {
			c.UI.Error(err.Error())
			return 1
		}
		c.UI.Output("==> Saved " + f.name)
	}
	return 0
}

func fileDoesNotExist(file string) bool {
	_, err := os.Stat(file)
	return errors.Is(err, fs.ErrNotExist)
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Create a CA and a server certificate"
const help = `
Usage: h2 cert [options]

  Create a certificate authority and a server certificate it signed, for
  running "h2 serve" over TLS.

  $ h2 cert -host localhost -host example.com
  ==> Saved h2-ca.pem
  ==> Saved h2-ca-key.pem
  ==> Saved h2-server.pem
  ==> Saved h2-server-key.pem
`
