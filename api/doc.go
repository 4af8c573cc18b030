// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api serves Command Center's HTTP interface: the session
// endpoints, the approval relay, the terminal transports, and a
// liveness probe, all behind one pre-shared token.
//
// The token is accepted as "Authorization: Bearer <token>" or as a
// ?token= query parameter. The query form exists for ntfy action
// buttons and browser WebSockets, neither of which can set headers.
// JSON endpoints are gzip-compressed; the terminal streams are not,
// since compression would buffer interactive output.
package api
