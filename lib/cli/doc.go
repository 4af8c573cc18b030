// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command-tree framework behind the cc
// operator CLI. A [Command] has pflag flags, nested subcommands, and a
// Run function taking a context; [Command.Execute] dispatches through
// the tree, parses flags, and turns typos into "did you mean"
// suggestions using Levenshtein distance.
//
// [WriteJSON] backs the --json flag shared by commands whose output
// scripts consume.
package cli
