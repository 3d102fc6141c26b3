// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ipaddr holds helpers for the host strings handed to clients and
// servers.
package ipaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/go-sockaddr/template"
)

// IsLiteral reports whether host is an IPv4 or IPv6 address literal rather
// than a name. Bracketed IPv6 literals are accepted.
func IsLiteral(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.ParseIP(host) != nil
}

// IsAny checks if the given address is an IPv4 or IPv6 ANY address.
func IsAny(host string) bool {
	switch host {
	case "0.0.0.0", "::", "[::]":
		return true
	}
	return false
}

// JoinHostPort formats host and port for dialing or for an :authority
// header, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), strconv.Itoa(port))
}

// ParseSingleIP resolves a go-sockaddr template such as
// "{{ GetPrivateIP }}" to exactly one address. Plain addresses and host
// names pass through unchanged.
func ParseSingleIP(tmpl string) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	out, err := template.Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("Unable to parse address template %q: %v", tmpl, err)
	}

	ips := strings.Fields(out)
	switch len(ips) {
	case 0:
		return "", errors.New("No addresses found, please configure one.")
	case 1:
		return ips[0], nil
	default:
		return "", fmt.Errorf("Multiple addresses found (%q), please configure one.", out)
	}
}
