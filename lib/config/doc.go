// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Command Center daemon configuration.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the COMMAND_CENTER_CONFIG environment variable
// (via [Load]). There is no ~/.config discovery and no file search.
// Files ending in .json or .jsonc are read as JSON with comments
// (stripped by tidwall/jsonc); everything else is YAML.
//
// After decoding, ${VAR} and ${VAR:-default} references are expanded
// in paths, addresses, and secrets, so a checked-in config can point
// at $HOME and leave tokens in the environment. [Default] carries the
// same references, which is how PORT and CC_AUTH_TOKEN reach a daemon
// started without any file.
//
// Key exports:
//
//   - [Config] -- the daemon configuration tree
//   - [Default] and [LoadDefault] -- built-in configuration
//   - [Load] and [LoadFile] -- the two file entry points
//   - [Duration] -- a time.Duration that decodes from "3s"-style strings
//
// This package depends on no other Command Center packages.
package config
