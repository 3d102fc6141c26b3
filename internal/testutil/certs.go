// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"testing"

	"github.com/hashicorp/h2/tlsutil"
)

// Certs is a throwaway CA and one leaf certificate it signed, PEM encoded.
type Certs struct {
	CA   string
	Cert string
	Key  string
}

// GenerateCerts creates a CA and a server certificate valid for hosts, which
// may mix DNS names and IP addresses.
func GenerateCerts(t testing.TB, hosts ...string) Certs {
	t.Helper()

	certs, err := tlsutil.GenerateServerCerts(1, hosts...)
	if err != nil {
		t.Fatalf("generating certificates: %v", err)
	}
	return Certs{CA: certs.CA, Cert: certs.Cert, Key: certs.Key}
}
