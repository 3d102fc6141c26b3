// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package get

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/client"
	"github.com/hashicorp/h2/command/flags"
	"github.com/hashicorp/h2/header"
	"github.com/hashicorp/h2/logging"
	"github.com/hashicorp/h2/tlsutil"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	method     string
	headers    flags.FlagMapValue
	data       string
	include    bool
	compressed bool
	cancelPush flags.AppendSliceValue
	caFile     string
	insecure   bool
	timeout    time.Duration
	logLevel   string
	logColor   string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.method, "method", "GET", "The request method.")
	c.flags.Var(&c.headers, "header", "A key=value request header. This flag may be provided multiple times.")
	c.flags.StringVar(&c.data, "data", "", "The request body.")
	c.flags.BoolVar(&c.include, "include", false, "Print the response headers before the body.")
	c.flags.BoolVar(&c.compressed, "compressed", false,
		"Ask for a gzip or deflate encoded response and decode it.")
	c.flags.Var(&c.cancelPush, "cancel-push",
		"A pushed path to refuse by resetting its stream. This flag may be provided multiple times.")
	c.flags.StringVar(&c.caFile, "ca-file", "", "Path to a CA file used to verify the server.")
	c.flags.BoolVar(&c.insecure, "insecure", false, "Skip verifying the server certificate.")
	c.flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "How long to wait for the connection and the response.")
	c.flags.StringVar(&c.logLevel, "log-level", "warn", "Log level, one of trace, debug, info, warn or error.")
	c.flags.StringVar(&c.logColor, "log-color", "auto", "Color terminal logs, one of auto, on or off.")
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
	args = c.flags.Args()
	if len(args) != 1 {
		c.UI.Error("A single URL is required")
		c.UI.Error(c.Help())
		return 1
	}

	method, err := h2.ParseMethod(c.method)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	logger, err := logging.Setup(logging.Config{
		LogLevel: c.logLevel,
		Color:    c.logColor,
		Name:     "h2",
	}, &cli.UiWriter{Ui: c.UI})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	config := client.DefaultConfig()
	config.URL = args[0]
	config.ConnectTimeout = c.timeout
	config.Logger = logger
	if c.caFile != "" || c.insecure {
		config.TLS = &tlsutil.Config{CAFile: c.caFile}
		if c.insecure {
			config.TLS.VerifyMode = tlsutil.VerifyNone
		}
	}

	extra := make(map[string]interface{}, len(c.headers)+1)
	for k, v := range c.headers {
		extra[k] = v
	}
	if c.compressed {
		extra[h2.AcceptEncodingKey] = h2.GzipEncoding + ", " + h2.DeflateEncoding
	}

	req := client.Request{
		Method: method,
		Header: extra,
	}
	if c.data != "" {
		req.Body = []byte(c.data)
	}

	refuse := make(map[string]bool, len(c.cancelPush))
	for _, p := range c.cancelPush {
		refuse[p] = true
	}
	req.Prepare = func(s *client.Stream) {
		s.Client().OnPromise(func(push *client.Stream) {
			push.OnHeaders(func(h header.Map) {
				if path, ok := h.Lookup(h2.PathKey); ok && refuse[path] {
					push.Cancel()
				}
			})
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s, err := client.Do(ctx, config, req)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error sending request: %s", err))
		return 1
	}
	defer s.Client().Close()

	return c.output(s)
}

func (c *cmd) output(s *client.Stream) int {
	// Event streams print as they arrive; the headers are in by the first
	// chunk.
	var printed bool
	for body, err := range c.body(s) {
		if !printed {
			c.printHeaders(s)
			printed = true
		}
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error decoding body: %s", err))
			return 1
		}
		c.UI.Output(strings.TrimRight(string(body), "\n"))
	}
	if !s.Block(c.timeout) {
		c.UI.Error("Timed out waiting for the response")
		return 1
	}
	if !printed {
		c.printHeaders(s)
	}

	for _, p := range s.Pushes() {
		h := p.Headers()
		if p.Canceled() {
			c.UI.Output(fmt.Sprintf("==> Canceled push %s", h.Get(h2.PathKey)))
			continue
		}
		body, err := c.decode(h.Get(h2.ContentEncodingKey), p.Body())
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error decoding push %s: %s", h.Get(h2.PathKey), err))
			return 1
		}
		c.UI.Output(fmt.Sprintf("==> Pushed %s (%s, %d bytes)", h.Get(h2.PathKey), h.Get(h2.StatusKey), len(body)))
		if c.include {
			c.UI.Output(formatHeaders(h))
			c.UI.Output(strings.TrimRight(string(body), "\n"))
		}
	}

	if s.Canceled() {
		c.UI.Error("Stream was reset by the server")
		return 1
	}
	return 0
}

func (c *cmd) printHeaders(s *client.Stream) {
	if !c.include {
		return
	}
	c.UI.Output(formatHeaders(s.HeadersNow()))
	c.UI.Output("")
}

func formatHeaders(h header.Map) string {
	lines := make([]string, 0, len(h))
	for _, k := range h.Keys() {
		lines = append(lines, fmt.Sprintf("%s\x1f%s", k, h[k]))
	}
	return columnize.Format(lines, &columnize.Config{Delim: string([]byte{0x1f})})
}

// body yields the response body as it should be printed. A compressed event
// stream is one body spread over many frames, so it is decoded as a whole
// and yielded a line at a time.
func (c *cmd) body(s *client.Stream) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		var encoding string
		if c.compressed {
			encoding = s.Headers().Get(h2.ContentEncodingKey)
		}
		if encoding == "" || !s.Streaming() {
			for chunk := range s.Chunks() {
				body, err := c.decode(encoding, chunk)
				if !yield(body, err) || err != nil {
					return
				}
			}
			return
		}

		pr, pw := io.Pipe()
		defer pr.Close()
		go func() {
			for chunk := range s.Chunks() {
				if _, err := pw.Write(chunk); err != nil {
					return
				}
			}
			pw.Close()
		}()

		// a stream reset before its first event has nothing to decode
		r, err := newDecoder(encoding, pr)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		defer r.Close()

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if len(scanner.Bytes()) == 0 {
				continue
			}
			if !yield(append([]byte(nil), scanner.Bytes()...), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// decode undoes the content-encoding of a complete body, when asked to.
func (c *cmd) decode(encoding string, p []byte) ([]byte, error) {
	if !c.compressed || len(p) == 0 {
		return p, nil
	}
	r, err := newDecoder(encoding, bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func newDecoder(encoding string, r io.Reader) (io.ReadCloser, error) {
	switch encoding {
	case h2.GzipEncoding:
		return gzip.NewReader(r)
	case h2.DeflateEncoding:
		return zlib.NewReader(r)
	default:
		return io.NopCloser(r), nil
	}
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Sends a request to an h2 server"
const help = `
Usage: h2 get [options] URL

  Sends one request over HTTP/2 and prints the response body, followed by a
  line for every resource the server pushed. An "https" URL negotiates h2
  over TLS; an "http" URL speaks h2c.

  Event streams are printed event by event as they arrive.

      $ h2 get -include http://127.0.0.1:1234/
`
