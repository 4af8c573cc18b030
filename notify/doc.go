// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify publishes push notifications through an ntfy server.
//
// [Publisher] is the wire client: one POST per [Message], with the
// title, tags, priority, and action buttons carried in ntfy's request
// headers. [Notifier] builds the messages Command Center sends when a
// session needs a human, including one-tap buttons that type into the
// session through the server's input endpoint. Delivery is
// best-effort: failures are logged and never reach the session that
// triggered them.
package notify
