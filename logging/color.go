// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// NewColorOption parses a -log-color value. Empty means auto, which colors
// only when the output is a terminal.
func NewColorOption(v string) (hclog.ColorOption, error) {
	switch v {
	case "", "auto":
		return hclog.AutoColor, nil
	case "on", "always":
		return hclog.ForceColor, nil
	case "off", "never":
		return hclog.ColorOff, nil
	}
	return hclog.ColorOff, fmt.Errorf("Invalid log color %q, must be one of auto, on or off", v)
}
