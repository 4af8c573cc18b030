// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/commandcenter/lib/sqlitepool"
)

// Store persists session rows. Implementations must be safe for
// concurrent use. Updates to an id that no longer exists are no-ops
// unless documented otherwise, since a kill can race any background
// writer.
type Store interface {
	// Insert adds a new row. The id must be unused.
	Insert(ctx context.Context, session Session) error

	// Get returns the row for id, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (Session, error)

	// List returns every row, newest first.
	List(ctx context.Context) ([]Session, error)

	// UpdateStatus sets the status and last activity of a row that is
	// not dead. It reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) (bool, error)

	// Revive moves a dead or starting row to running. Only boot
	// reconciliation calls it, for rows whose tmux session is alive.
	Revive(ctx context.Context, id string, at time.Time) (bool, error)

	// UpdatePaneTitle records the pane title.
	UpdatePaneTitle(ctx context.Context, id, title string, at time.Time) error

	// SetAutoApprove sets the auto-approve flag, returning an error
	// wrapping ErrNotFound for an unknown id.
	SetAutoApprove(ctx context.Context, id string, on bool, at time.Time) error

	// Delete removes a row, returning an error wrapping ErrNotFound
	// for an unknown id.
	Delete(ctx context.Context, id string) error
}

// migrations is the schema history. Entries are append-only.
var migrations = []string{
	`CREATE TABLE sessions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		cwd           TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'starting'
			CHECK (status IN ('starting', 'running', 'idle', 'waiting', 'dead')),
		created_at    INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX sessions_created_at ON sessions (created_at);`,

	`ALTER TABLE sessions ADD COLUMN worktree_path TEXT NOT NULL DEFAULT '';
	ALTER TABLE sessions ADD COLUMN repo TEXT NOT NULL DEFAULT '';`,

	`ALTER TABLE sessions ADD COLUMN pane_title TEXT NOT NULL DEFAULT '';`,

	`ALTER TABLE sessions ADD COLUMN command TEXT NOT NULL DEFAULT '';
	ALTER TABLE sessions ADD COLUMN auto_approve INTEGER NOT NULL DEFAULT 0;`,
}

const sessionColumns = `id, name, cwd, command, status, created_at, last_activity,
	worktree_path, repo, pane_title, auto_approve`

// SQLiteStore is the [Store] backed by a SQLite database file.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// StoreConfig holds the parameters for [OpenSQLiteStore].
type StoreConfig struct {
	// Path is the database file. Its parent directory must exist.
	Path string

	// PoolSize is the number of connections. Zero selects the
	// sqlitepool default.
	PoolSize int

	Logger *slog.Logger
}

// OpenSQLiteStore opens the database at cfg.Path and brings its
// schema up to date.
func OpenSQLiteStore(ctx context.Context, cfg StoreConfig) (*SQLiteStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	if err := pool.Migrate(ctx, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &SQLiteStore{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, session Session) error {
	return s.exec(ctx, "insert", `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.Cwd, session.Command, string(session.Status),
		session.CreatedAt.UnixNano(), session.LastActivity.UnixNano(),
		session.WorktreePath, session.Repo, session.PaneTitle, session.AutoApprove)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, error) {
	sessions, err := s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sessions[0], nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, rowid DESC`)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, at time.Time) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("session store: invalid status %q", status)
	}
	changes, err := s.execChanges(ctx, "update status", `UPDATE sessions
		SET status = ?, last_activity = ?
		WHERE id = ? AND status != 'dead' AND status != ?`,
		string(status), at.UnixNano(), id, string(status))
	return changes > 0, err
}

func (s *SQLiteStore) Revive(ctx context.Context, id string, at time.Time) (bool, error) {
	changes, err := s.execChanges(ctx, "revive", `UPDATE sessions
		SET status = 'running', last_activity = ?
		WHERE id = ? AND status IN ('dead', 'starting')`,
		at.UnixNano(), id)
	return changes > 0, err
}

func (s *SQLiteStore) UpdatePaneTitle(ctx context.Context, id, title string, at time.Time) error {
	return s.exec(ctx, "update pane title", `UPDATE sessions
		SET pane_title = ?, last_activity = ? WHERE id = ?`,
		title, at.UnixNano(), id)
}

func (s *SQLiteStore) SetAutoApprove(ctx context.Context, id string, on bool, at time.Time) error {
	changes, err := s.execChanges(ctx, "set auto-approve", `UPDATE sessions
		SET auto_approve = ?, last_activity = ? WHERE id = ?`,
		on, at.UnixNano(), id)
	if err != nil {
		return err
	}
	if changes == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	changes, err := s.execChanges(ctx, "delete", `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if changes == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, operation, query string, args ...any) error {
	_, err := s.execChanges(ctx, operation, query, args...)
	return err
}

// execChanges runs one statement and returns the number of rows it
// modified.
func (s *SQLiteStore) execChanges(ctx context.Context, operation, query string, args ...any) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("session store: %s: %w", operation, err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, fmt.Errorf("session store: %s: %w", operation, err)
	}
	return conn.Changes(), nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Session, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: query: %w", err)
	}
	defer s.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sessions = append(sessions, scanSession(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: query: %w", err)
	}
	return sessions, nil
}

// scanSession reads one row selected with sessionColumns.
func scanSession(stmt *sqlite.Stmt) Session {
	return Session{
		ID:           stmt.ColumnText(0),
		Name:         stmt.ColumnText(1),
		Cwd:          stmt.ColumnText(2),
		Command:      stmt.ColumnText(3),
		Status:       Status(stmt.ColumnText(4)),
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(5)).UTC(),
		LastActivity: time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		WorktreePath: stmt.ColumnText(7),
		Repo:         stmt.ColumnText(8),
		PaneTitle:    stmt.ColumnText(9),
		AutoApprove:  stmt.ColumnBool(10),
	}
}
