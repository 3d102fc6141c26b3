// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	gsyslog "github.com/hashicorp/go-syslog"
)

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Name is the name the returned logger will use to prefix log lines.
	Name string

	// Color is one of auto, on or off. It applies to terminal output only.
	Color string

	// EnableSyslog controls forwarding to syslog.
	EnableSyslog bool

	// SyslogFacility is the destination for syslog forwarding.
	SyslogFacility string

	// LogFilePath is the path to also write the logs to. A path ending in a
	// separator names a directory and gets the default file name.
	LogFilePath string
}

const defaultLogFile = "h2.log"

// Setup builds the logger used by the command line tools. Output goes to out
// and, when LogFilePath is set, is appended to that file as well. With
// EnableSyslog it is also forwarded to the local syslog daemon.
func Setup(config Config, out io.Writer) (hclog.InterceptLogger, error) {
	if !ValidateLogLevel(config.LogLevel) {
		return nil, fmt.Errorf("Invalid log level: %s. Valid log levels are: %v",
			config.LogLevel,
			allowedLogLevels)
	}

	color, err := NewColorOption(config.Color)
	if err != nil {
		return nil, err
	}

	if out == nil {
		out = io.Discard
	}
	writers := []io.Writer{out}

	// Escape codes would break JSON lines and have no place in syslog or
	// files.
	if config.LogJSON {
		color = hclog.ColorOff
	}

	if config.EnableSyslog {
		l, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, config.SyslogFacility, "h2")
		if err != nil {
			return nil, fmt.Errorf("Syslog setup error: %w", err)
		}
		writers = append(writers, &SyslogWrapper{l: l})
		color = hclog.ColorOff
	}

	if config.LogFilePath != "" {
		f, err := openLogFile(config.LogFilePath)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		color = hclog.ColorOff
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      LevelFromString(config.LogLevel),
		Name:       config.Name,
		Output:     io.MultiWriter(writers...),
		JSONFormat: config.LogJSON,
		Color:      color,
	})
	return logger, nil
}

func openLogFile(path string) (*os.File, error) {
	dir, fileName := filepath.Split(path)
	if fileName == "" {
		fileName = defaultLogFile
	}
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
