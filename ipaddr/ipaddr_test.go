// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipaddr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLiteral(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"localhost", false},
		{"www.example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			require.Equal(t, tt.want, IsLiteral(tt.host))
		})
	}
}

func TestIsAny(t *testing.T) {
	require.True(t, IsAny("0.0.0.0"))
	require.True(t, IsAny("::"))
	require.True(t, IsAny("[::]"))
	require.False(t, IsAny("127.0.0.1"))
}

func TestJoinHostPort(t *testing.T) {
	require.Equal(t, "example.com:8080", JoinHostPort("example.com", 8080))
	require.Equal(t, "[::1]:443", JoinHostPort("::1", 443))
	require.Equal(t, "[::1]:443", JoinHostPort("[::1]", 443))
}

func TestParseSingleIP(t *testing.T) {
	ip, err := ParseSingleIP("127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip)

	ip, err = ParseSingleIP(`{{ "127.0.0.1" }}`)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", ip)

	_, err = ParseSingleIP(`{{ "127.0.0.1 127.0.0.2" }}`)
	require.Error(t, err)

	_, err = ParseSingleIP(`{{ GetNothing }}`)
	require.Error(t, err)
}
