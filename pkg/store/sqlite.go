package store

import (
	"context"
	stdsql "database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteSchema mirrors the Postgres migration in pkg/database.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS chat_histories (
	user_id    TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at DATETIME NOT NULL
)`

// OpenSQLite opens (or creates) a single-file history database and makes
// sure the history table exists. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*stdsql.DB, error) {
	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" databases
	// are private to their connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", historyTable, err)
	}
	return db, nil
}
