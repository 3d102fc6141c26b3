// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package get

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/internal/testutil"
	"github.com/hashicorp/h2/server"
)

func TestGetCommand_noTabs(t *testing.T) {
	if strings.ContainsRune(New(cli.NewMockUi()).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func testServer(t *testing.T, handler func(*server.Stream)) string {
	t.Helper()

	config := server.DefaultConfig()
	config.Port = 0
	config.Logger = testutil.Logger(t)
	s, err := server.New(config, func(c *server.Connection) { c.EachStream(handler) })
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

func TestGetCommand_badArgs(t *testing.T) {
	cases := map[string]struct {
		args []string
		err  string
	}{
		"no url":     {nil, "A single URL is required"},
		"two urls":   {[]string{"http://a", "http://b"}, "A single URL is required"},
		"bad method": {[]string{"-method", "BREW", "http://127.0.0.1:1"}, "BREW"},
		"log level":  {[]string{"-log-level", "loud", "http://127.0.0.1:1"}, "Invalid log level"},
		"log color":  {[]string{"-log-color", "rainbow", "http://127.0.0.1:1"}, "Invalid log color"},
		"bad url":    {[]string{"-timeout", "1s", "http://127.0.0.1:1/"}, "Error sending request"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ui := cli.NewMockUi()
			require.Equal(t, 1, New(ui).Run(tc.args))
			require.Contains(t, ui.ErrorWriter.String(), tc.err)
		})
	}
}

func TestGetCommand(t *testing.T) {
	url := testServer(t, func(s *server.Stream) {
		req := s.Request()
		body := fmt.Sprintf("%s %s %s", req.Method().Wire(), req.Path(), req.Headers().Get("x-test"))
		s.Respond(200, map[string]interface{}{h2.ContentTypeKey: "text/plain"}, body)
	})

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-include", "-header", "x-test=yes", url + "/hello"})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	out := ui.OutputWriter.String()
	require.Contains(t, out, "GET /hello yes")
	require.Regexp(t, `:status\s+200`, out)
	require.Regexp(t, `content-type\s+text/plain`, out)
	require.Less(t, strings.Index(out, ":status"), strings.Index(out, "GET /hello"))
}

func TestGetCommand_post(t *testing.T) {
	url := testServer(t, func(s *server.Stream) {
		req := s.Request()
		s.Respond(201, nil, fmt.Sprintf("%s %s", req.Method().Wire(), req.Body()))
	})

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-method", "post", "-data", "ohai", url})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "POST ohai\n")
}

func TestGetCommand_compressed(t *testing.T) {
	url := testServer(t, func(s *server.Stream) {
		s.Respond(200, nil, strings.Repeat("squeeze me ", 10))
	})

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-compressed", "-include", url})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	out := ui.OutputWriter.String()
	require.Regexp(t, `content-encoding\s+gzip`, out)
	require.Contains(t, out, strings.TrimSpace(strings.Repeat("squeeze me ", 10)))
}

func pushing(s *server.Stream) {
	if _, err := s.PushPromise("/a.js", map[string]interface{}{h2.ContentTypeKey: "application/javascript"}, []byte("1;")); err != nil {
		s.Respond(500, nil, err.Error())
		return
	}
	s.Respond(200, nil, "page")
}

func TestGetCommand_pushes(t *testing.T) {
	url := testServer(t, pushing)

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{url})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "page\n==> Pushed /a.js (200, 2 bytes)\n")
}

func TestGetCommand_cancelPush(t *testing.T) {
	url := testServer(t, pushing)

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-cancel-push", "/a.js", url})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "page\n==> Canceled push /a.js\n")
}

func TestGetCommand_eventStream(t *testing.T) {
	url := testServer(t, func(s *server.Stream) {
		es, err := s.ToEventSource(nil)
		if err != nil {
			s.Respond(400, nil, err.Error())
			return
		}
		es.Event("greeting", "hello")
		es.Data("world")
		es.Close()
	})

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-header", "accept=" + h2.EventStreamType, url + "/events"})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "event: greeting\ndata: hello\ndata: world\n")
}

func TestGetCommand_compressedEventStream(t *testing.T) {
	url := testServer(t, func(s *server.Stream) {
		es, err := s.ToEventSource(nil)
		if err != nil {
			s.Respond(400, nil, err.Error())
			return
		}
		es.Event("greeting", "hello")
		es.Data("world")
		es.Close()
	})

	ui := cli.NewMockUi()
	code := New(ui).Run([]string{"-compressed", "-include", "-header", "accept=" + h2.EventStreamType, url + "/events"})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	out := ui.OutputWriter.String()
	require.Regexp(t, `content-encoding\s+gzip`, out)
	require.Contains(t, out, "event: greeting\ndata: hello\ndata: world\n")
}
