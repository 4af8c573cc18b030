// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the commandcenter
// daemon and the cc CLI. Fatal is the one sanctioned raw write to
// stderr: it runs when run() fails, possibly before the structured
// logger exists.
package process
