// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func NewDiscardLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:  0,
		Output: io.Discard,
	})
}

// Logger returns a trace level logger named after the test.
func Logger(t testing.TB) hclog.InterceptLogger {
	return LoggerWithOutput(t, os.Stdout)
}

func LoggerWithOutput(t testing.TB, output io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      hclog.Trace,
		Output:     output,
		TimeFormat: "04:05.000",
	})
}
