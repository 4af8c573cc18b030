// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Migrate brings the schema up to len(migrations). Script i (zero
// based) runs when user_version is at most i, and user_version is set
// to i+1 in the same immediate transaction, so concurrent daemons
// cannot apply a script twice. A database whose user_version exceeds
// len(migrations) was written by a newer build and is rejected.
func (p *Pool) Migrate(ctx context.Context, migrations []string) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: beginning migration: %w", err)
	}
	defer endTransaction(&err)

	current, err := userVersion(conn)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("sqlitepool: %s has schema version %d, newer than this build's %d",
			p.path, current, len(migrations))
	}

	for index := current; index < len(migrations); index++ {
		if err := sqlitex.ExecuteScript(conn, migrations[index], nil); err != nil {
			return fmt.Errorf("sqlitepool: migration %d: %w", index+1, err)
		}
	}
	if current < len(migrations) {
		// PRAGMA arguments cannot be bound parameters.
		statement := fmt.Sprintf("PRAGMA user_version=%d", len(migrations))
		if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
			return fmt.Errorf("sqlitepool: recording schema version: %w", err)
		}
		p.logger.Info("sqlite schema migrated", "path", p.path, "from", current, "to", len(migrations))
	}
	return nil
}

// SchemaVersion returns the database's PRAGMA user_version.
func (p *Pool) SchemaVersion(ctx context.Context) (int, error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer p.Put(conn)
	return userVersion(conn)
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqlitepool: reading user_version: %w", err)
	}
	return version, nil
}
