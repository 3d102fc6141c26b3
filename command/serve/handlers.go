// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package serve

import (
	"embed"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/server"
)

//go:embed assets
var assets embed.FS

const (
	modeHello = "hello"
	modePush  = "push"
	modeSSE   = "sse"

	helloBody = "hello, world!\n"

	htmlType = "text/html; charset=utf-8"
	jsType   = "application/javascript"
	cssType  = "text/css"
)

var modes = []string{modeHello, modePush, modeSSE}

func asset(name string) []byte {
	b, err := assets.ReadFile("assets/" + name)
	if err != nil {
		panic(err)
	}
	return b
}

// handlerFor returns the stream handler for a demo mode. With goaway set the
// connection is told to go away once each page is complete.
func handlerFor(mode string, goaway bool, logger hclog.Logger) (func(*server.Stream), error) {
	switch mode {
	case modeHello:
		return helloHandler(goaway), nil
	case modePush:
		return pushHandler(goaway), nil
	case modeSSE:
		return newHub(logger).handle, nil
	}
	return nil, fmt.Errorf("unknown mode %q, must be one of %v", mode, modes)
}

func helloHandler(goaway bool) func(*server.Stream) {
	return func(s *server.Stream) {
		if s.Request().Path() == "/favicon.ico" {
			s.Respond(404, nil, nil)
			return
		}
		if goaway {
			s.GoawayOnComplete()
		}
		s.Respond(200, map[string]interface{}{h2.ContentTypeKey: "text/plain"}, helloBody)
	}
}

// pushHandler serves a page and pushes the two resources it links: the
// stylesheet is kept on the worker pool, the script is kept here after the
// page has gone out.
func pushHandler(goaway bool) func(*server.Stream) {
	return func(s *server.Stream) {
		if s.Request().Path() != "/" {
			s.Respond(404, nil, nil)
			return
		}
		if goaway {
			s.GoawayOnComplete()
		}

		if _, err := s.PushPromise("/style.css", map[string]interface{}{h2.ContentTypeKey: cssType}, asset("style.css")); err != nil {
			s.Logger().Warn("push failed", "path", "/style.css", "error", err)
		}
		js, err := s.MakePromise(s.PushPromiseFor("/pushed.js", map[string]interface{}{h2.ContentTypeKey: jsType}, asset("pushed.js")))
		if err != nil {
			s.Logger().Warn("push failed", "path", "/pushed.js", "error", err)
		}

		s.Respond(200, map[string]interface{}{h2.ContentTypeKey: htmlType}, asset("index.html"))

		if js != nil {
			js.Keep(0, nil)
		}
	}
}

// hub tracks the open event sources of the sse mode. POST /msg sends the
// request body to each of them as a "msg" event; DELETE /events says goodbye
// and closes them all.
type hub struct {
	logger hclog.Logger

	lock    sync.Mutex
	sources []*server.EventSource
}

func newHub(logger hclog.Logger) *hub {
	return &hub{logger: logger}
}

func (h *hub) handle(s *server.Stream) {
	req := s.Request()
	switch req.Path() {
	case "/events":
		switch req.Method() {
		case h2.MethodGet:
			es, err := s.ToEventSource(map[string]interface{}{"cache-control": "no-cache"})
			if err != nil {
				s.Respond(400, nil, err.Error())
				return
			}
			h.add(es)
		case h2.MethodDelete:
			h.broadcast("die", "later!")
			h.closeAll()
			s.Respond(200, nil, nil)
		default:
			s.Respond(404, nil, nil)
		}

	case "/msg":
		if req.Method() != h2.MethodPost {
			s.Respond(404, nil, nil)
			return
		}
		h.broadcast("msg", string(req.Body()))
		s.Respond(201, nil, nil)

	case "/sse.js":
		// Only reachable through the push.
		s.Respond(404, nil, "should have been pushed...")

	case "/favicon.ico":
		s.Respond(404, nil, nil)

	default:
		if _, err := s.PushPromise("/sse.js", map[string]interface{}{h2.ContentTypeKey: jsType}, asset("sse.js")); err != nil {
			s.Logger().Warn("push failed", "path", "/sse.js", "error", err)
		}
		s.Respond(200, map[string]interface{}{h2.ContentTypeKey: htmlType}, asset("sse.html"))
	}
}

func (h *hub) add(es *server.EventSource) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.sources = append(h.sources, es)
}

// Sources returns how many event sources are open.
func (h *hub) Sources() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.sources)
}

// broadcast sends an event to every open source, dropping the ones whose
// client went away.
func (h *hub) broadcast(name, data string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	live := h.sources[:0]
	for _, es := range h.sources {
		if err := es.Event(name, data); err != nil {
			h.logger.Debug("dropping event source", "error", err)
			continue
		}
		live = append(live, es)
	}
	h.sources = live
}

func (h *hub) closeAll() {
	h.lock.Lock()
	sources := h.sources
	h.sources = nil
	h.lock.Unlock()

	for _, es := range sources {
		if err := es.Close(); err != nil {
			h.logger.Debug("closing event source", "error", err)
		}
	}
}
