// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tlsutil

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/stretchr/testify/require"
)

type testCA struct {
	signer crypto.Signer
	pem    string
}

func newTestCA(t *testing.T) testCA {
	t.Helper()
	signer, _, err := GeneratePrivateKey()
	require.NoError(t, err)
	sn, err := GenerateSerialNumber()
	require.NoError(t, err)
	ca, err := GenerateCA(signer, sn, 1)
	require.NoError(t, err)
	return testCA{signer: signer, pem: ca}
}

func (ca testCA) leaf(t *testing.T, name string, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()
	sn, err := GenerateSerialNumber()
	require.NoError(t, err)
	cert, key, err := GenerateCert(ca.signer, ca.pem, sn, name, 1, dnsNames, ips,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth})
	require.NoError(t, err)
	return cert, key
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// handshake runs a TLS handshake between the two configurations over an
// in-memory connection and returns the client's view of it.
func handshake(t *testing.T, serverConfig, clientConfig *tls.Config) (tls.ConnectionState, error) {
	t.Helper()
	client, server := net.Pipe()

	// Use yamux to buffer the reads, otherwise it's easy to deadlock
	muxConf := yamux.DefaultConfig()
	muxConf.LogOutput = io.Discard
	serverSession, err := yamux.Server(server, muxConf)
	require.NoError(t, err)
	clientSession, err := yamux.Client(client, muxConf)
	require.NoError(t, err)
	t.Cleanup(func() {
		clientSession.Close()
		serverSession.Close()
	})

	clientConn, err := clientSession.Open()
	require.NoError(t, err)
	serverConn, err := serverSession.Accept()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tlsServer := tls.Server(serverConn, serverConfig)
		if err := tlsServer.Handshake(); err != nil {
			tlsServer.Close()
			return
		}
		io.Copy(io.Discard, tlsServer)
		tlsServer.Close()
	}()

	tlsClient := tls.Client(clientConn, clientConfig)
	err = tlsClient.Handshake()
	state := tlsClient.ConnectionState()
	tlsClient.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server side of the handshake did not finish")
	}
	return state, err
}

func TestDecode(t *testing.T) {
	c, err := Decode(map[string]interface{}{
		"cert":        "cert.pem",
		"key":         "key.pem",
		"ca_file":     "ca.pem",
		"verify_mode": "none",
		"ciphers":     "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"sni": map[string]interface{}{
			"www.example.com": map[string]interface{}{
				"cert":             "www.pem",
				"key":              "www-key.pem",
				"extra_chain_cert": "chain.pem",
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "cert.pem", c.Cert)
	require.Equal(t, "key.pem", c.Key)
	require.Equal(t, "ca.pem", c.CAFile)
	require.Equal(t, VerifyNone, c.VerifyMode)
	require.Equal(t, SNIConfig{Cert: "www.pem", Key: "www-key.pem", ExtraChainCert: "chain.pem"}, c.SNI["www.example.com"])
}

func TestDecode_Errors(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"unknown key":     {"certificate": "x"},
		"bad verify mode": {"verify_mode": "sometimes"},
		"cert no key":     {"cert": "x"},
		"bad cipher":      {"ciphers": "TLS_NOPE"},
		"sni without key": {"sni": map[string]interface{}{"a": map[string]interface{}{"cert": "x"}}},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)
		})
	}
}

func TestConfig_ParseCiphers(t *testing.T) {
	testOk := "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305, TLS_RSA_WITH_AES_128_CBC_SHA"
	v, err := ParseCiphers(testOk)
	require.NoError(t, err)
	require.Equal(t, []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	}, v)

	v, err = ParseCiphers("TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305")
	require.NoError(t, err)
	require.Equal(t, []uint16{
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}, v)

	v, err = ParseCiphers("")
	require.NoError(t, err)
	require.Empty(t, v)

	_, err = ParseCiphers("TLS_RSA_RSA_WITH_RC4_128_SHA")
	require.Error(t, err)
}

func TestConfig_ClientConfig_ServerName(t *testing.T) {
	c := &Config{}

	tlsConfig, err := c.ClientConfig("www.example.com")
	require.NoError(t, err)
	require.Equal(t, "www.example.com", tlsConfig.ServerName)
	require.Equal(t, []string{"h2"}, tlsConfig.NextProtos)
	require.False(t, tlsConfig.InsecureSkipVerify)
	require.Nil(t, tlsConfig.VerifyConnection)

	tlsConfig, err = c.ClientConfig("127.0.0.1")
	require.NoError(t, err)
	require.Empty(t, tlsConfig.ServerName)
	require.True(t, tlsConfig.InsecureSkipVerify)
	require.NotNil(t, tlsConfig.VerifyConnection)

	c.VerifyMode = VerifyNone
	tlsConfig, err = c.ClientConfig("www.example.com")
	require.NoError(t, err)
	require.True(t, tlsConfig.InsecureSkipVerify)
	require.Nil(t, tlsConfig.VerifyConnection)
}

func TestConfig_ServerConfigRequiresCert(t *testing.T) {
	_, err := (&Config{}).ServerConfig()
	require.Error(t, err)
}

func TestConfig_HandshakeSNI(t *testing.T) {
	ca := newTestCA(t)
	defCert, defKey := ca.leaf(t, "default", []string{"default.example"}, nil)
	wwwCert, wwwKey := ca.leaf(t, "www", []string{"www.example"}, nil)
	apiCert, apiKey := ca.leaf(t, "api", []string{"api.example"}, nil)

	server := &Config{
		Cert: defCert,
		Key:  defKey,
		SNI: map[string]SNIConfig{
			"www.example": {Cert: writeFile(t, "www.pem", wwwCert), Key: writeFile(t, "www.key", wwwKey)},
			"API.example": {Cert: apiCert, Key: apiKey, ExtraChainCert: ca.pem},
		},
	}
	serverConfig, err := server.ServerConfig()
	require.NoError(t, err)

	client := &Config{CAFile: writeFile(t, "ca.pem", ca.pem)}

	for host, want := range map[string]string{
		"www.example":     "www",
		"api.example":     "api",
		"default.example": "default",
	} {
		t.Run(host, func(t *testing.T) {
			clientConfig, err := client.ClientConfig(host)
			require.NoError(t, err)

			state, err := handshake(t, serverConfig, clientConfig)
			require.NoError(t, err)
			require.Equal(t, "h2", state.NegotiatedProtocol)
			require.Equal(t, want, state.PeerCertificates[0].Subject.CommonName)
		})
	}

	t.Run("extra chain cert is sent", func(t *testing.T) {
		clientConfig, err := client.ClientConfig("api.example")
		require.NoError(t, err)
		state, err := handshake(t, serverConfig, clientConfig)
		require.NoError(t, err)
		require.Len(t, state.PeerCertificates, 2)
		require.True(t, state.PeerCertificates[1].IsCA)
	})

	t.Run("unknown CA fails", func(t *testing.T) {
		clientConfig, err := (&Config{}).ClientConfig("www.example")
		require.NoError(t, err)
		_, err = handshake(t, serverConfig, clientConfig)
		require.Error(t, err)
	})
}

func TestConfig_HandshakeIPLiteral(t *testing.T) {
	ca := newTestCA(t)
	cert, key := ca.leaf(t, "local", nil, []net.IP{net.ParseIP("127.0.0.1")})
	serverConfig, err := (&Config{Cert: cert, Key: key}).ServerConfig()
	require.NoError(t, err)

	client := &Config{CAFile: writeFile(t, "ca.pem", ca.pem)}

	clientConfig, err := client.ClientConfig("127.0.0.1")
	require.NoError(t, err)
	state, err := handshake(t, serverConfig, clientConfig)
	require.NoError(t, err)
	require.Equal(t, "h2", state.NegotiatedProtocol)
	require.Empty(t, state.ServerName)

	// the certificate does not cover this address
	clientConfig, err = client.ClientConfig("10.0.0.1")
	require.NoError(t, err)
	_, err = handshake(t, serverConfig, clientConfig)
	require.Error(t, err)

	// unless verification is off
	clientConfig, err = (&Config{VerifyMode: VerifyNone}).ClientConfig("10.0.0.1")
	require.NoError(t, err)
	_, err = handshake(t, serverConfig, clientConfig)
	require.NoError(t, err)
}

func TestLoader_Reload(t *testing.T) {
	ca := newTestCA(t)
	firstCert, firstKey := ca.leaf(t, "first", []string{"localhost"}, nil)
	secondCert, secondKey := ca.leaf(t, "second", []string{"localhost"}, nil)

	loader, err := NewLoader(&Config{Cert: firstCert, Key: firstKey})
	require.NoError(t, err)
	serverConfig := loader.IncomingTLSConfig()

	clientConfig, err := (&Config{CAFile: writeFile(t, "ca.pem", ca.pem)}).ClientConfig("localhost")
	require.NoError(t, err)

	state, err := handshake(t, serverConfig, clientConfig)
	require.NoError(t, err)
	require.Equal(t, "first", state.PeerCertificates[0].Subject.CommonName)

	require.NoError(t, loader.Reload(&Config{Cert: secondCert, Key: secondKey}))
	state, err = handshake(t, serverConfig, clientConfig)
	require.NoError(t, err)
	require.Equal(t, "second", state.PeerCertificates[0].Subject.CommonName)

	// a failed reload keeps serving the previous certificate
	require.Error(t, loader.Reload(&Config{}))
	state, err = handshake(t, serverConfig, clientConfig)
	require.NoError(t, err)
	require.Equal(t, "second", state.PeerCertificates[0].Subject.CommonName)
}

func TestConfig_loadCAs(t *testing.T) {
	ca := newTestCA(t)
	other := newTestCA(t)

	pems, err := loadCAs("", "")
	require.NoError(t, err)
	require.Empty(t, pems)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pem"), []byte(ca.pem), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pem"), []byte(other.pem), 0600))
	pems, err = loadCAs("", dir)
	require.NoError(t, err)
	require.Len(t, pems, 2)

	// CAFile wins over CAPath
	pems, err = loadCAs(filepath.Join(dir, "a.pem"), dir)
	require.NoError(t, err)
	require.Equal(t, []string{ca.pem}, pems)

	_, err = loadCAs("", t.TempDir())
	require.Error(t, err)

	_, err = loadCAs("/does/not/exist.pem", "")
	require.Error(t, err)
}
