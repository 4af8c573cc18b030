// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the commandcenter and
// cc binaries.
//
// Four variables are injected with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/commandcenter/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// When GitCommit is not injected, the VCS stamp that "go build"
// embeds is used instead, so plain builds from a checkout still
// report their commit. [Info] is the --version line; [Full] adds the
// toolchain and platform.
package version
