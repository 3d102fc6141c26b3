// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package serve

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/cli"

	h2cli "github.com/hashicorp/h2/command/cli"
	"github.com/hashicorp/h2/command/flags"
	"github.com/hashicorp/h2/lib"
	"github.com/hashicorp/h2/lib/filewatch"
	"github.com/hashicorp/h2/logging"
	"github.com/hashicorp/h2/server"
	"github.com/hashicorp/h2/tlsutil"
)

// gracefulTimeout bounds how long Shutdown waits for open connections.
const gracefulTimeout = 10 * time.Second

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	configFile string
	host       string
	port       int
	mode       string
	goaway     bool

	tlsCert    string
	tlsKey     string
	tlsChain   string
	tlsCAFile  string
	sni        flags.FlagMapValue
	selfSigned bool
	autoReload bool

	logLevel       string
	logJSON        bool
	logColor       string
	logFile        string
	syslog         bool
	syslogFacility string

	// signalCh delivers the signals Run reacts to. Run subscribes it to the
	// process signals when it is nil.
	signalCh chan os.Signal

	// started, if set, is called once the server is listening.
	started func(*server.Server)
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.configFile, "config-file", "",
		"Path to an HCL or JSON file with server options. Flags override the file.")
	c.flags.StringVar(&c.host, "host", "127.0.0.1",
		"The `address` to listen on. Accepts go-sockaddr templates such as {{ GetPrivateIP }}.")
	c.flags.IntVar(&c.port, "port", 1234, "The port to listen on. 0 picks a free port.")
	c.flags.StringVar(&c.mode, "mode", modeHello,
		fmt.Sprintf("The demo to serve, one of %s.", strings.Join(modes, ", ")))
	c.flags.BoolVar(&c.goaway, "goaway", false,
		"Send GOAWAY once each page and its pushes are complete.")
	c.flags.StringVar(&c.tlsCert, "tls-cert", "", "Path to a PEM encoded certificate. Enables TLS.")
	c.flags.StringVar(&c.tlsKey, "tls-key", "", "Path to the PEM encoded key of -tls-cert.")
	c.flags.StringVar(&c.tlsChain, "tls-chain", "", "Path to PEM encoded intermediate certificates sent after -tls-cert.")
	c.flags.StringVar(&c.tlsCAFile, "tls-ca-file", "", "Path to a CA file used to verify client certificates.")
	c.flags.Var(&c.sni, "sni",
		"A host=cert,key[,chain] certificate served to clients asking for host. "+
			"This flag may be provided multiple times.")
	c.flags.BoolVar(&c.selfSigned, "self-signed", false,
		"Serve TLS with a generated certificate for localhost and 127.0.0.1.")
	c.flags.BoolVar(&c.autoReload, "auto-reload", false,
		"Reload the TLS certificates when the config file or a certificate file changes.")
	c.flags.StringVar(&c.logLevel, "log-level", "info", "Log level, one of trace, debug, info, warn or error.")
	c.flags.BoolVar(&c.logJSON, "log-json", false, "Output logs in JSON format.")
	c.flags.StringVar(&c.logColor, "log-color", "auto", "Color terminal logs, one of auto, on or off.")
	c.flags.StringVar(&c.logFile, "log-file", "", "Path to also write logs to.")
	c.flags.BoolVar(&c.syslog, "syslog", false, "Also send logs to the local syslog daemon.")
	c.flags.StringVar(&c.syslogFacility, "syslog-facility", "LOCAL0", "The syslog `facility` used with -syslog.")
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
	if len(c.flags.Args()) > 0 {
		c.UI.Error(fmt.Sprintf("Error found unexpected args: %v", c.flags.Args()))
		return 1
	}

	logger, err := logging.Setup(logging.Config{
		LogLevel:       c.logLevel,
		LogJSON:        c.logJSON,
		Color:          c.logColor,
		Name:           "h2",
		LogFilePath:    c.logFile,
		EnableSyslog:   c.syslog,
		SyslogFacility: c.syslogFacility,
	}, &cli.UiWriter{Ui: c.UI})
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	config, err := c.serverConfig()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading configuration: %s", err))
		return 1
	}
	config.Logger = logger

	inmemSignal, err := initTelemetry(c.stderr())
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}
	defer inmemSignal.Stop()

	handler, err := handlerFor(c.mode, c.goaway, logger)
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	srv, err := server.New(config, func(conn *server.Connection) {
		conn.EachStream(handler)
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error starting server: %s", err))
		return 1
	}

	var changes <-chan filewatch.Event
	if c.autoReload && srv.TLS() && !c.selfSigned {
		w, err := filewatch.New(c.watchedFiles(config.TLS), logger)
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error watching files: %s", err))
			srv.Shutdown(context.Background())
			return 1
		}
		w.Start(context.Background())
		defer w.Stop()
		changes = w.Events
	}

	scheme := "http"
	if srv.TLS() {
		scheme = "https"
	}
	c.UI.Output(fmt.Sprintf("==> h2 %s server listening on %s://%s", c.mode, scheme, srv.Addr()))
	if c.started != nil {
		c.started(srv)
	}

	return c.wait(srv, changes, logger)
}

// initTelemetry keeps metrics in memory. The keys already carry the "h2"
// prefix. SIGUSR1 dumps the current interval to w.
func initTelemetry(w io.Writer) (*metrics.InmemSignal, error) {
	memSink := metrics.NewInmemSink(10*time.Second, time.Minute)
	sig := metrics.NewInmemSignal(memSink, metrics.DefaultSignal, w)

	cfg := metrics.DefaultConfig("")
	cfg.EnableHostname = false
	if _, err := metrics.NewGlobal(cfg, memSink); err != nil {
		sig.Stop()
		return nil, err
	}
	return sig, nil
}

// stderr is where the metrics dump goes: the terminal's error stream when
// the Ui exposes it.
func (c *cmd) stderr() io.Writer {
	if ui, ok := c.UI.(h2cli.Ui); ok {
		return ui.Stderr()
	}
	return os.Stderr
}

// wait blocks on signals: SIGHUP or a change to a watched file reloads the
// TLS certificates, any other signal shuts the server down.
func (c *cmd) wait(srv *server.Server, changes <-chan filewatch.Event, logger hclog.Logger) int {
	signalCh := c.signalCh
	if signalCh == nil {
		signalCh = make(chan os.Signal, 4)
		signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(signalCh)
	}

	for {
		var sig os.Signal
		select {
		case ev := <-changes:
			logger.Info("watched file changed", "file", ev.Filename)
			c.reload(srv, logger)
			continue
		case sig = <-signalCh:
		}
		if sig == syscall.SIGHUP {
			c.reload(srv, logger)
			continue
		}

		logger.Info("caught signal, shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), gracefulTimeout)
		err := srv.Shutdown(ctx)
		cancel()
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error shutting down: %s", err))
			return 1
		}
		return 0
	}
}

// watchedFiles lists the files a reload reads. Inline PEM values are not
// files and are skipped.
func (c *cmd) watchedFiles(config *tlsutil.Config) []string {
	candidates := []string{c.configFile}
	if config != nil {
		candidates = append(candidates, config.Cert, config.Key, config.ExtraChainCert, config.CAFile)
		for _, sni := range config.SNI {
			candidates = append(candidates, sni.Cert, sni.Key, sni.ExtraChainCert)
		}
	}

	seen := make(map[string]bool)
	var files []string
	for _, f := range candidates {
		if f == "" || strings.Contains(f, "-----BEGIN") || seen[f] {
			continue
		}
		seen[f] = true
		files = append(files, f)
	}
	return files
}

func (c *cmd) reload(srv *server.Server, logger hclog.Logger) {
	if !srv.TLS() {
		logger.Info("nothing to reload on a plaintext server")
		return
	}
	if c.selfSigned {
		logger.Info("keeping the generated certificate")
		return
	}
	config, err := c.serverConfig()
	if err != nil {
		logger.Error("failed to reload configuration", "error", err)
		return
	}
	if err := srv.ReloadTLS(config.TLS); err != nil {
		logger.Error("failed to reload TLS certificates", "error", err)
		return
	}
	logger.Info("reloaded TLS certificates")
}

// serverConfig layers the flags that were set over the config file, if any,
// over the defaults.
func (c *cmd) serverConfig() (*server.Config, error) {
	config := server.DefaultConfig()
	if c.configFile != "" {
		raw, err := loadConfigFile(c.configFile)
		if err != nil {
			return nil, err
		}
		if config, err = server.DecodeConfig(raw); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	c.flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["host"] || c.configFile == "" {
		config.Host = c.host
	}
	if set["port"] || c.configFile == "" {
		config.Port = c.port
	}

	tlsConfig, err := c.tlsConfig(config.TLS)
	if err != nil {
		return nil, err
	}
	config.TLS = tlsConfig
	return config, nil
}

func (c *cmd) tlsConfig(base *tlsutil.Config) (*tlsutil.Config, error) {
	if base == nil && c.tlsCert == "" && len(c.sni) == 0 && !c.selfSigned {
		return nil, nil
	}

	config := &tlsutil.Config{}
	if base != nil {
		*config = *base
	}

	if c.selfSigned {
		certs, err := tlsutil.GenerateServerCerts(1, "localhost", "127.0.0.1")
		if err != nil {
			return nil, err
		}
		config.Cert, config.Key = certs.Cert, certs.Key
	}
	if c.tlsCert != "" || c.tlsKey != "" {
		config.Cert, config.Key = c.tlsCert, c.tlsKey
	}
	if c.tlsChain != "" {
		config.ExtraChainCert = c.tlsChain
	}
	if c.tlsCAFile != "" {
		config.CAFile = c.tlsCAFile
	}

	if len(c.sni) > 0 {
		sni := make(map[string]tlsutil.SNIConfig, len(config.SNI)+len(c.sni))
		for host, v := range config.SNI {
			sni[host] = v
		}
		for host, v := range c.sni {
			parts := strings.Split(v, ",")
			if len(parts) < 2 || len(parts) > 3 {
				return nil, fmt.Errorf("invalid -sni value for %s: want cert,key[,chain]", host)
			}
			entry := tlsutil.SNIConfig{Cert: parts[0], Key: parts[1]}
			if len(parts) == 3 {
				entry.ExtraChainCert = parts[2]
			}
			sni[host] = entry
		}
		config.SNI = sni
	}
	return config, nil
}

// loadConfigFile reads server options from an HCL file; JSON is valid HCL.
// Blocks decode as lists of maps, which are flattened back to maps, and the
// sni blocks of the tls section are merged into one table.
func loadConfigFile(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := hcl.Decode(&raw, string(b)); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	raw = lib.PatchSliceOfMaps(raw, []string{"tls.sni"}, nil)

	if t, ok := raw["tls"].(map[string]interface{}); ok {
		if sni, ok := t["sni"]; ok {
			merged, err := mergeMaps(sni)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: tls.sni: %w", path, err)
			}
			t["sni"] = merged
		}
	}
	return raw, nil
}

func mergeMaps(v interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	switch x := v.(type) {
	case map[string]interface{}:
		return x, nil
	case []map[string]interface{}:
		for _, m := range x {
			for k, v := range m {
				out[k] = v
			}
		}
	case []interface{}:
		for _, e := range x {
			m, ok := e.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("expected a map, got %T", e)
			}
			for k, v := range m {
				out[k] = v
			}
		}
	default:
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
	return out, nil
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Runs a demo h2 server"
const help = `
Usage: h2 serve [options]

  Starts an HTTP/2 server running one of the demo handlers. It serves h2c
  unless a certificate is given, in which case it serves h2 over TLS and
  negotiates the protocol with ALPN.

  The "hello" mode answers every request with a greeting. The "push" mode
  serves a page at / and pushes its stylesheet and script. The "sse" mode
  serves a chat page: GET /events opens an event stream, POST /msg sends
  the body to every open stream and DELETE /events closes them all.

  Metrics are kept in memory and written to stderr on SIGUSR1. Logs can also
  go to a file with -log-file or to the local syslog daemon with -syslog.

  SIGHUP reloads the TLS certificates from disk, as does any change to them
  or to the config file when -auto-reload is set; SIGINT and SIGTERM shut the
  server down gracefully.

  A config file holds the same options as the server:

      host    = "0.0.0.0"
      port    = 8443
      gzip    = true
      deflate = false
      backlog = 100
      workers = 16

      max_conns_per_client = 32

      tls {
        cert = "h2-server.pem"
        key  = "h2-server-key.pem"

        sni "example.com" {
          cert             = "example.com.pem"
          key              = "example.com-key.pem"
          extra_chain_cert = "example.com-chain.pem"
        }
      }
`
