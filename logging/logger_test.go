// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/stretchr/testify/require"
)

func TestLogger_SetupBasic(t *testing.T) {
	cfg := Config{LogLevel: "INFO"}

	logger, err := Setup(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestLogger_SetupInvalidLogLevel(t *testing.T) {
	cfg := Config{}

	_, err := Setup(cfg, nil)
	require.ErrorContains(t, err, "Invalid log level")
}

func TestLogger_SetupInvalidColor(t *testing.T) {
	cfg := Config{LogLevel: "INFO", Color: "sometimes"}

	_, err := Setup(cfg, nil)
	require.ErrorContains(t, err, `Invalid log color "sometimes"`)
}

func TestLogger_SetupLoggerErrorLevel(t *testing.T) {

	cases := []struct {
		desc   string
		before func(*Config)
	}{
		{
			desc: "ERR log level",
			before: func(cfg *Config) {
				cfg.LogLevel = "ERR"
			},
		},
		{
			desc: "ERROR log level",
			before: func(cfg *Config) {
				cfg.LogLevel = "ERROR"
			},
		},
	}

	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			cfg := Config{Color: "off"}

			c.before(&cfg)
			var buf bytes.Buffer

			logger, err := Setup(cfg, &buf)
			require.NoError(t, err)
			require.NotNil(t, logger)

			logger.Error("test error msg")
			logger.Info("test info msg")

			output := buf.String()

			require.Contains(t, output, "[ERROR] test error msg")
			require.NotContains(t, output, "[INFO]  test info msg")
		})
	}
}

func TestLogger_SetupLoggerDebugLevel(t *testing.T) {
	cfg := Config{LogLevel: "DEBUG", Color: "off"}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test info msg")
	logger.Debug("test debug msg")

	output := buf.String()

	require.Contains(t, output, "[INFO]  test info msg")
	require.Contains(t, output, "[DEBUG] test debug msg")
}

func TestLogger_SetupLoggerWithName(t *testing.T) {
	cfg := Config{
		LogLevel: "DEBUG",
		Name:     "test-system",
		Color:    "off",
	}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Warn("test warn msg")

	require.Contains(t, buf.String(), "[WARN]  test-system: test warn msg")
}

func TestLogger_SetupLoggerWithJSON(t *testing.T) {
	cfg := Config{
		LogLevel: "DEBUG",
		LogJSON:  true,
		Name:     "test-system",
	}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Warn("test warn msg")

	var jsonOutput map[string]string
	err = json.Unmarshal(buf.Bytes(), &jsonOutput)
	require.NoError(t, err)
	require.Contains(t, jsonOutput, "@level")
	require.Equal(t, "warn", jsonOutput["@level"])
	require.Contains(t, jsonOutput, "@message")
	require.Equal(t, "test warn msg", jsonOutput["@message"])
}

func TestLogger_SetupLoggerWithJSONForcedColor(t *testing.T) {
	cfg := Config{
		LogLevel: "INFO",
		LogJSON:  true,
		Color:    "on",
	}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.NoError(t, err)

	logger.Error("no escapes")
	require.NotContains(t, buf.String(), "\x1b")

	var jsonOutput map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &jsonOutput))
	require.Equal(t, "no escapes", jsonOutput["@message"])
}

func TestLogger_SetupSyslogBadFacility(t *testing.T) {
	cfg := Config{
		LogLevel:       "INFO",
		EnableSyslog:   true,
		SyslogFacility: "NOWHERE",
	}

	logger, err := Setup(cfg, nil)
	require.ErrorContains(t, err, "Syslog setup error")
	require.Nil(t, logger)
}

type fakeSyslog struct {
	priorities []gsyslog.Priority
	lines      []string
}

func (f *fakeSyslog) WriteLevel(p gsyslog.Priority, b []byte) error {
	f.priorities = append(f.priorities, p)
	f.lines = append(f.lines, string(b))
	return nil
}

func (f *fakeSyslog) Write(b []byte) (int, error) {
	return len(b), f.WriteLevel(gsyslog.LOG_NOTICE, b)
}

func (f *fakeSyslog) Close() error { return nil }

func TestSyslogWrapper(t *testing.T) {
	fake := &fakeSyslog{}
	logger := hclog.New(&hclog.LoggerOptions{
		Level:  hclog.Trace,
		Output: &SyslogWrapper{l: fake},
		Color:  hclog.ColorOff,
	})

	logger.Trace("t")
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	require.Equal(t, []gsyslog.Priority{
		gsyslog.LOG_DEBUG,
		gsyslog.LOG_INFO,
		gsyslog.LOG_NOTICE,
		gsyslog.LOG_WARNING,
		gsyslog.LOG_ERR,
	}, fake.priorities)
	require.Contains(t, fake.lines[4], "[ERROR] e")

	n, err := (&SyslogWrapper{l: fake}).Write([]byte(`{"@message":"json"}`))
	require.NoError(t, err)
	require.Equal(t, 19, n)
	require.Equal(t, gsyslog.LOG_NOTICE, fake.priorities[5])
}

func TestLogger_SetupLoggerWithValidLogPath(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Config{
		LogLevel:    "INFO",
		LogFilePath: tmpDir + "/",
	}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("to the file")

	content, err := os.ReadFile(filepath.Join(tmpDir, defaultLogFile))
	require.NoError(t, err)
	require.Contains(t, string(content), "to the file")
	require.Contains(t, buf.String(), "to the file")
}

func TestLogger_SetupLoggerWithInValidLogPath(t *testing.T) {

	cfg := Config{
		LogLevel:    "INFO",
		LogFilePath: "nonexistentdir/",
	}
	var buf bytes.Buffer

	logger, err := Setup(cfg, &buf)
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Nil(t, logger)
}

func TestLevelFromString(t *testing.T) {
	require.Equal(t, hclog.Error, LevelFromString("err"))
	require.Equal(t, hclog.Error, LevelFromString("ERROR"))
	require.Equal(t, hclog.Trace, LevelFromString("trace"))
	require.True(t, ValidateLogLevel("warn"))
	require.False(t, ValidateLogLevel("loud"))
	require.Equal(t, allowedLogLevels, AllowedLogLevels())
}

func TestNewColorOption(t *testing.T) {
	for in, want := range map[string]hclog.ColorOption{
		"":       hclog.AutoColor,
		"auto":   hclog.AutoColor,
		"on":     hclog.ForceColor,
		"always": hclog.ForceColor,
		"off":    hclog.ColorOff,
		"never":  hclog.ColorOff,
	} {
		got, err := NewColorOption(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}
