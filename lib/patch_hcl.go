// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lib

import (
	"fmt"
	"strings"
)

// PatchSliceOfMaps undoes HCL's habit of decoding every block as a list of
// maps. Single element lists collapse to their element, except at the
// dotted paths in skip, whose lists are kept and patched element by element,
// and at the paths in skipTree, which are left untouched. Paths compare
// case-insensitively. A list of several maps at any other path panics.
func PatchSliceOfMaps(m map[string]interface{}, skip []string, skipTree []string) map[string]interface{} {
	lowerSkip := make([]string, len(skip))
	lowerSkipTree := make([]string, len(skipTree))

	for i, val := range skip {
		lowerSkip[i] = strings.ToLower(val)
	}

	for i, val := range skipTree {
		lowerSkipTree[i] = strings.ToLower(val)
	}

	return patchValue("", m, lowerSkip, lowerSkipTree).(map[string]interface{})
}

func patchValue(name string, v interface{}, skip []string, skipTree []string) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			return x
		}
		mm := make(map[string]interface{})
		for k, v := range x {
			key := k
			if name != "" {
				key = name + "." + k
			}
			mm[k] = patchValue(key, v, skip, skipTree)
		}
		return mm

	case []interface{}:
		if len(x) == 0 {
			return nil
		}
		if strSliceContains(name, skipTree) {
			return x
		}
		if strSliceContains(name, skip) {
			for i, y := range x {
				x[i] = patchValue(name, y, skip, skipTree)
			}
			return x
		}
		if len(x) > 1 {
			panic(fmt.Sprintf("%s: []interface{} len=%d", name, len(x)))
		}
		return patchValue(name, x[0], skip, skipTree)

	case []map[string]interface{}:
		if len(x) == 0 {
			return nil
		}
		if strSliceContains(name, skipTree) {
			return x
		}
		if strSliceContains(name, skip) {
			for i, y := range x {
				x[i] = patchValue(name, y, skip, skipTree).(map[string]interface{})
			}
			return x
		}
		if len(x) > 1 {
			panic(fmt.Sprintf("%s: []map[string]interface{} len=%d", name, len(x)))
		}
		return patchValue(name, x[0], skip, skipTree)

	default:
		return v
	}
}

func strSliceContains(s string, v []string) bool {
	lower := strings.ToLower(s)
	for _, vv := range v {
		if lower == vv {
			return true
		}
	}
	return false
}
