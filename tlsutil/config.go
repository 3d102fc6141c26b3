// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tlsutil builds the crypto/tls configurations used by clients and
// servers: protocol negotiation, CA loading, cipher selection and per-host
// certificates.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/h2"
	"github.com/hashicorp/h2/ipaddr"
)

const (
	VerifyPeer = "peer"
	VerifyNone = "none"
)

// offerProtocols advertises h2 during the handshake. crypto/tls negotiates
// with ALPN only, so that is the one strategy there is.
var offerProtocols = func(c *tls.Config) {
	c.NextProtos = []string{h2.ALPNProtocol}
}

// SNIConfig is the certificate served for one virtual host.
type SNIConfig struct {
	// Cert and Key are PEM blocks or paths to PEM files.
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`

	// ExtraChainCert holds intermediate certificates sent after Cert.
	ExtraChainCert string `mapstructure:"extra_chain_cert"`
}

// Config used to create tls.Config
type Config struct {
	// Cert and Key are the default certificate, given as PEM blocks or paths
	// to PEM files. A server needs them unless every host is covered by SNI;
	// a client presents them to servers asking for a client certificate.
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`

	// ExtraChainCert holds intermediate certificates sent after Cert.
	ExtraChainCert string `mapstructure:"extra_chain_cert"`

	// CAFile is a path to a certificate authority file used to verify the
	// peer.
	CAFile string `mapstructure:"ca_file"`

	// CAPath is a path to a directory of certificate authority files. It is
	// ignored when CAFile is set.
	CAPath string `mapstructure:"ca_path"`

	// Ciphers is a comma separated list of cipher suite names.
	Ciphers string `mapstructure:"ciphers"`

	// VerifyMode is "peer" (the default) or "none".
	VerifyMode string `mapstructure:"verify_mode"`

	// SNI maps a host name to the certificate served for it.
	SNI map[string]SNIConfig `mapstructure:"sni"`
}

// Decode builds a Config from a raw options map, such as one parsed from a
// config file or assembled from flags. Unknown keys are an error.
func Decode(raw map[string]interface{}) (*Config, error) {
	var c Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid tls options: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.VerifyMode {
	case "", VerifyPeer, VerifyNone:
	default:
		return fmt.Errorf("invalid verify_mode %q: must be %q or %q", c.VerifyMode, VerifyPeer, VerifyNone)
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("cert and key must be set together")
	}
	for host, sni := range c.SNI {
		if sni.Cert == "" || sni.Key == "" {
			return fmt.Errorf("sni %q: cert and key are required", host)
		}
	}
	if _, err := ParseCiphers(c.Ciphers); err != nil {
		return err
	}
	return nil
}

func (c *Config) verifyPeer() bool {
	return c.VerifyMode != VerifyNone
}

// common builds the settings shared by clients and servers.
func (c *Config) common() (*tls.Config, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	offerProtocols(tlsConfig)

	suites, err := ParseCiphers(c.Ciphers)
	if err != nil {
		return nil, err
	}
	if len(suites) != 0 {
		tlsConfig.CipherSuites = suites
	}

	pems, err := loadCAs(c.CAFile, c.CAPath)
	if err != nil {
		return nil, err
	}
	if len(pems) > 0 {
		pool := x509.NewCertPool()
		for _, p := range pems {
			if !pool.AppendCertsFromPEM([]byte(p)) {
				return nil, errors.New("Couldn't parse PEM in CA bundle")
			}
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// ClientConfig returns the configuration for a client dialing host. The
// server name is only sent when host is a name; for an address literal the
// certificate is verified against the address instead.
func (c *Config) ClientConfig(host string) (*tls.Config, error) {
	tlsConfig, err := c.common()
	if err != nil {
		return nil, err
	}

	cert, err := loadKeyPair(c.Cert, c.Key, c.ExtraChainCert)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		tlsConfig.Certificates = []tls.Certificate{*cert}
	}

	if !c.verifyPeer() {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if !ipaddr.IsLiteral(host) {
		tlsConfig.ServerName = host
		return tlsConfig, nil
	}

	// crypto/tls either verifies against ServerName or not at all, so with
	// no server name the chain is checked here against the address.
	addr := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	roots := tlsConfig.RootCAs
	tlsConfig.ServerName = ""
	tlsConfig.InsecureSkipVerify = true
	tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		certs := cs.PeerCertificates
		if len(certs) == 0 {
			return errors.New("peer presented no certificate")
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			CurrentTime:   time.Now(),
			DNSName:       addr,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
	return tlsConfig, nil
}

// ServerConfig returns the configuration for a server. The certificate is
// picked per connection from the SNI table, falling back to the default
// certificate.
func (c *Config) ServerConfig() (*tls.Config, error) {
	tlsConfig, err := c.common()
	if err != nil {
		return nil, err
	}

	def, err := loadKeyPair(c.Cert, c.Key, c.ExtraChainCert)
	if err != nil {
		return nil, err
	}
	hosts := make(map[string]*tls.Certificate, len(c.SNI))
	for host, sni := range c.SNI {
		cert, err := loadKeyPair(sni.Cert, sni.Key, sni.ExtraChainCert)
		if err != nil {
			return nil, fmt.Errorf("sni %q: %w", host, err)
		}
		hosts[strings.ToLower(host)] = cert
	}
	if def == nil && len(hosts) == 0 {
		return nil, errors.New("a TLS server needs cert and key or an sni table")
	}

	tlsConfig.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if cert, ok := hosts[strings.ToLower(hello.ServerName)]; ok {
			return cert, nil
		}
		if def != nil {
			return def, nil
		}
		return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
	}

	if c.verifyPeer() && tlsConfig.ClientCAs != nil {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}

// readPEM returns v itself when it holds a PEM block, or the contents of the
// file it names.
func readPEM(v string) ([]byte, error) {
	if strings.Contains(v, "-----BEGIN") {
		return []byte(v), nil
	}
	return os.ReadFile(v)
}

func loadKeyPair(cert, key, chain string) (*tls.Certificate, error) {
	if cert == "" || key == "" {
		return nil, nil
	}
	certPEM, err := readPEM(cert)
	if err != nil {
		return nil, fmt.Errorf("Failed to load cert/key pair: %v", err)
	}
	keyPEM, err := readPEM(key)
	if err != nil {
		return nil, fmt.Errorf("Failed to load cert/key pair: %v", err)
	}
	if chain != "" {
		chainPEM, err := readPEM(chain)
		if err != nil {
			return nil, fmt.Errorf("Failed to load extra chain cert: %v", err)
		}
		certPEM = append(append(append([]byte(nil), certPEM...), '\n'), chainPEM...)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("Failed to load cert/key pair: %v", err)
	}
	return &pair, nil
}

func loadCAs(caFile, caPath string) ([]string, error) {
	if caFile == "" && caPath == "" {
		return nil, nil
	}

	pems := []string{}

	readFn := func(path string) error {
		pem, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("Error loading from %s: %s", path, err)
		}
		pems = append(pems, string(pem))
		return nil
	}

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			if err := readFn(path); err != nil {
				return err
			}
		}
		return nil
	}

	if caFile != "" {
		err := readFn(caFile)
		if err != nil {
			return pems, err
		}
	} else if caPath != "" {
		err := filepath.Walk(caPath, walkFn)
		if err != nil {
			return pems, err
		}
		if len(pems) == 0 {
			return pems, fmt.Errorf("Error loading from CAPath: no CAs found")
		}
	}
	return pems, nil
}

// ParseCiphers parse ciphersuites from the comma-separated string into
// recognized slice
func ParseCiphers(cipherStr string) ([]uint16, error) {
	suites := []uint16{}

	cipherStr = strings.TrimSpace(cipherStr)
	if cipherStr == "" {
		return []uint16{}, nil
	}

	cipherMap := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		cipherMap[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		cipherMap[s.Name] = s.ID
	}
	// Names used before the suites gained their _SHA256 suffix.
	cipherMap["TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305"] = tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305
	cipherMap["TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305"] = tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305

	for _, cipher := range strings.Split(cipherStr, ",") {
		cipher = strings.TrimSpace(cipher)
		if v, ok := cipherMap[cipher]; ok {
			suites = append(suites, v)
		} else {
			return suites, fmt.Errorf("unsupported cipher %q", cipher)
		}
	}

	return suites, nil
}
