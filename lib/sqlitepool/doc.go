// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind Command Center's
// session store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas
// and an additive schema migration runner. Callers [Pool.Take] a
// connection, do their work, and [Pool.Put] it back. A connection is
// not safe for concurrent use; each goroutine holds its own.
//
// # Pragmas
//
// Every connection starts with:
//
//   - journal_mode=WAL: the status monitor's writes never block API
//     reads
//   - synchronous=NORMAL: commits survive a daemon crash, though not
//     power loss; the tmux server is the source of truth for liveness
//     and boot reconciliation repairs the rest
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY
//   - foreign_keys=ON
//   - temp_store=MEMORY
//
// # Migrations
//
// [Pool.Migrate] applies an ordered list of schema scripts, tracking
// progress in PRAGMA user_version. Scripts are append-only: script N
// runs exactly once, on a database whose user_version is below N+1.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	if err := pool.Migrate(ctx, migrations); err != nil {
//	    pool.Close()
//	    return err
//	}
//
// The package writes no SQL of its own beyond pragmas. Stores write
// their queries directly with sqlitex.Execute.
package sqlitepool
