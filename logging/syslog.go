// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package logging

import (
	"bytes"

	gsyslog "github.com/hashicorp/go-syslog"
)

// levelPriority maps the level markers hclog writes to syslog priorities.
var levelPriority = []struct {
	marker   []byte
	priority gsyslog.Priority
}{
	{[]byte("[TRACE]"), gsyslog.LOG_DEBUG},
	{[]byte("[DEBUG]"), gsyslog.LOG_INFO},
	{[]byte("[INFO]"), gsyslog.LOG_NOTICE},
	{[]byte("[WARN]"), gsyslog.LOG_WARNING},
	{[]byte("[ERROR]"), gsyslog.LOG_ERR},
}

// SyslogWrapper is an io.Writer that forwards log lines to syslog at the
// priority matching their level. Lines without a level, such as JSON
// output, go out at LOG_NOTICE.
type SyslogWrapper struct {
	l gsyslog.Syslogger
}

func (s *SyslogWrapper) Write(p []byte) (int, error) {
	priority := gsyslog.LOG_NOTICE
	for _, lp := range levelPriority {
		if bytes.Contains(p, lp.marker) {
			priority = lp.priority
			break
		}
	}
	if err := s.l.WriteLevel(priority, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
