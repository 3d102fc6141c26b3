// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tlsutil

import (
	"crypto/tls"
	"sync"
)

// Loader holds the server TLS configuration so it can be swapped while
// listeners keep running.
type Loader struct {
	// serverConfig is the currently loaded TLS configuration for incoming connections
	serverConfig *tls.Config

	loaderLock sync.RWMutex
}

// NewLoader returns a Loader with config already loaded.
func NewLoader(config *Config) (*Loader, error) {
	l := &Loader{}
	if err := l.Reload(config); err != nil {
		return nil, err
	}
	return l, nil
}

// GetConfigForClient returns the currently-loaded server TLS configuration when
// the Server accepts an incoming connection.
func (l *Loader) GetConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	l.loaderLock.RLock()
	defer l.loaderLock.RUnlock()

	return l.serverConfig, nil
}

// Reload rebuilds the server configuration. On error the previously loaded
// configuration stays in place.
func (l *Loader) Reload(config *Config) error {
	serverConfig, err := config.ServerConfig()
	if err != nil {
		return err
	}

	l.loaderLock.Lock()
	defer l.loaderLock.Unlock()
	l.serverConfig = serverConfig
	return nil
}

// IncomingTLSConfig generates a TLS configuration for incoming connections.
// Provides a callback to provide per-connection configuration, allowing for
// reloading on the fly.
func (l *Loader) IncomingTLSConfig() *tls.Config {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	offerProtocols(tlsConfig)
	tlsConfig.GetConfigForClient = l.GetConfigForClient
	return tlsConfig
}
