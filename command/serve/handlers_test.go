// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package serve

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/client"
	"github.com/hashicorp/h2/internal/testutil"
	"github.com/hashicorp/h2/server"
)

func handlerServer(t *testing.T, handler func(*server.Stream)) *client.Client {
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

	cc := client.DefaultConfig()
	cc.Host = "127.0.0.1"
	cc.Port = s.Port()
	return newClient(t, cc)
}

func TestHandlerFor(t *testing.T) {
	for _, mode := range modes {
		h, err := handlerFor(mode, false, testutil.NewDiscardLogger())
		require.NoError(t, err)
		require.NotNil(t, h)
	}
	_, err := handlerFor("echo", false, testutil.NewDiscardLogger())
	require.Error(t, err)
}

func TestHelloHandler(t *testing.T) {
	c := handlerServer(t, helloHandler(false))

	cs, err := c.Get(context.Background(), "/anything")
	require.NoError(t, err)
	require.Equal(t, helloBody, cs.String())
	require.Equal(t, "text/plain", cs.Headers().Get(h2.ContentTypeKey))

	cs, err = c.Get(context.Background(), "/favicon.ico")
	require.NoError(t, err)
	require.Equal(t, "404", cs.Headers().Get(h2.StatusKey))
}

func TestHelloHandler_goaway(t *testing.T) {
	c := handlerServer(t, helloHandler(true))
	closed := make(chan struct{})
	c.OnClose(func() { close(closed) })

	cs, err := c.Get(context.Background(), "/")
	require.NoError(t, err)
	require.Equal(t, helloBody, cs.String())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("no goaway after the page completed")
	}
}

func TestPushHandler(t *testing.T) {
	c := handlerServer(t, pushHandler(false))

	cs, err := c.Get(context.Background(), "/")
	require.NoError(t, err)
	require.True(t, cs.Block(5*time.Second))
	require.Equal(t, string(asset("index.html")), cs.String())

	pushes := cs.Pushes()
	require.Len(t, pushes, 2)
	got := map[string]string{}
	var paths []string
	for _, p := range pushes {
		path := p.Headers().Get(h2.PathKey)
		paths = append(paths, path)
		got[path] = p.String()
	}
	sort.Strings(paths)
	require.Equal(t, []string{"/pushed.js", "/style.css"}, paths)
	require.Equal(t, string(asset("pushed.js")), got["/pushed.js"])
	require.Equal(t, string(asset("style.css")), got["/style.css"])

	cs, err = c.Get(context.Background(), "/pushed.js")
	require.NoError(t, err)
	require.Equal(t, "404", cs.Headers().Get(h2.StatusKey))
}

func TestSSEHandler(t *testing.T) {
	h := newHub(testutil.Logger(t))
	c := handlerServer(t, h.handle)

	page, err := c.Get(context.Background(), "/")
	require.NoError(t, err)
	require.True(t, page.Block(5*time.Second))
	require.Equal(t, string(asset("sse.html")), page.String())
	require.Len(t, page.Pushes(), 1)
	require.Equal(t, string(asset("sse.js")), page.Pushes()[0].String())

	events, err := c.Request(context.Background(), client.Request{
		Method: h2.MethodGet,
		Path:   "/events",
		Header: map[string]interface{}{h2.AcceptKey: h2.EventStreamType},
	})
	require.NoError(t, err)

	chunks := make(chan string, 8)
	go func() {
		defer close(chunks)
		for chunk := range events.Chunks() {
			chunks <- string(chunk)
		}
	}()
	require.Eventually(t, func() bool { return h.Sources() == 1 }, 5*time.Second, 10*time.Millisecond)

	msg, err := c.Request(context.Background(), client.Request{
		Method: h2.MethodPost,
		Path:   "/msg",
		Body:   []byte("ohai"),
	})
	require.NoError(t, err)
	require.Equal(t, "201", msg.Headers().Get(h2.StatusKey))

	del, err := c.Request(context.Background(), client.Request{Method: h2.MethodDelete, Path: "/events"})
	require.NoError(t, err)
	require.True(t, del.OK())
	require.Zero(t, h.Sources())

	var got []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				done = true
				break
			}
			got = append(got, chunk)
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}
	require.Equal(t, []string{
		"event: msg\ndata: ohai\n\n",
		"event: die\ndata: later!\n\n",
	}, got)
}

func TestSSEHandler_errors(t *testing.T) {
	h := newHub(testutil.Logger(t))
	c := handlerServer(t, h.handle)

	cases := []struct {
		method h2.Method
		path   string
		status string
	}{
		{h2.MethodGet, "/events", "400"},
		{h2.MethodPut, "/events", "404"},
		{h2.MethodGet, "/msg", "404"},
		{h2.MethodGet, "/sse.js", "404"},
		{h2.MethodGet, "/favicon.ico", "404"},
	}
	for _, tc := range cases {
		cs, err := c.Request(context.Background(), client.Request{Method: tc.method, Path: tc.path})
		require.NoError(t, err)
		require.Equal(t, tc.status, cs.Headers().Get(h2.StatusKey), "%s %s", tc.method, tc.path)
	}
	require.Zero(t, h.Sources())
}
