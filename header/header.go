// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package header provides the case-insensitive header map used on both sides
// of a connection.
package header

import (
	"fmt"
	"sort"
	"strings"
)

// Map is a header map whose keys are normalized at the boundary: lookups and
// stores are case-insensitive and underscores are treated as hyphens. Keys are
// stored in the lower-case form HTTP/2 puts on the wire.
type Map map[string]string

// Key returns the normalized form of a header key.
func Key(k string) string {
	k = strings.ToLower(k)
	if strings.HasPrefix(k, ":") {
		return k
	}
	return strings.ReplaceAll(k, "_", "-")
}

// Get returns the value stored under k, or "".
func (m Map) Get(k string) string {
	return m[Key(k)]
}

// Lookup is like Get but also reports whether the key is present.
func (m Map) Lookup(k string) (string, bool) {
	v, ok := m[Key(k)]
	return v, ok
}

// Set stores v under the normalized form of k.
func (m Map) Set(k, v string) {
	m[Key(k)] = v
}

// Has reports whether k is present.
func (m Map) Has(k string) bool {
	_, ok := m[Key(k)]
	return ok
}

// Del removes k.
func (m Map) Del(k string) {
	delete(m, Key(k))
}

// Merge copies every entry of o into m, overwriting existing keys.
func (m Map) Merge(o Map) Map {
	for k, v := range o {
		m[Key(k)] = v
	}
	return m
}

// Clone returns a copy of m.
func (m Map) Clone() Map {
	c := make(Map, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Keys returns the keys of m with pseudo-headers first, each group sorted.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := strings.HasPrefix(keys[i], ":"), strings.HasPrefix(keys[j], ":")
		if pi != pj {
			return pi
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Stringify builds a Map from arbitrary values, formatting anything that is
// not already a string.
func Stringify(in map[string]interface{}) Map {
	out := make(Map, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out.Set(k, val)
		case []byte:
			out.Set(k, string(val))
		case fmt.Stringer:
			out.Set(k, val.String())
		default:
			out.Set(k, fmt.Sprint(val))
		}
	}
	return out
}

// From builds a normalized Map from a plain string map.
func From(in map[string]string) Map {
	out := make(Map, len(in))
	for k, v := range in {
		out.Set(k, v)
	}
	return out
}
