// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package flags

import (
	"flag"
	"fmt"
	"strings"
)

var _ flag.Value = (*FlagMapValue)(nil)

// FlagMapValue collects repeated key=value flags, such as request headers
// or per-host certificates. A repeated key keeps the last value. Only the
// first "=" separates, so values may contain more.
type FlagMapValue map[string]string

func (h *FlagMapValue) String() string {
	return fmt.Sprintf("%v", *h)
}

func (h *FlagMapValue) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("Missing \"=\" value in argument: %s", value)
	}
	if *h == nil {
		*h = make(map[string]string)
	}
	(*h)[key] = val
	return nil
}
