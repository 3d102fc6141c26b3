// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetHumanVersion(t *testing.T) {
	oldVersion, oldRelease, oldCommit := Version, VersionPrerelease, GitCommit
	t.Cleanup(func() {
		Version, VersionPrerelease, GitCommit = oldVersion, oldRelease, oldCommit
	})

	Version, VersionPrerelease, GitCommit = "1.2.3", "", ""
	require.Equal(t, "v1.2.3", GetHumanVersion())

	VersionPrerelease = "dev"
	require.Equal(t, "v1.2.3-dev", GetHumanVersion())

	Version = "1.2.3-dev"
	require.Equal(t, "v1.2.3-dev", GetHumanVersion())

	GitCommit = "'abc123'"
	require.Equal(t, "v1.2.3-dev (abc123)", GetHumanVersion())
}
