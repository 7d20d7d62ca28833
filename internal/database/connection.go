package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed sql/0*.sql
var migrations embed.FS

// InitDB opens the SQLite database at dbPath, runs pending migrations and
// returns a handle pinned to a single connection. Pass ":memory:" for an
// ephemeral database.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	var dsn string

	if dbPath == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(ON)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)"
	} else {
		// WAL with synchronous FULL: checkpoints must survive a crash, and
		// the busy timeout absorbs goose holding the file during boot.
		dsn = fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_pragma=temp_store(MEMORY)&_pragma=cache_size(-64000)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer connection. Every checkpoint, auth mutation and rate
	// bucket increment is serialized through this one conn, which is the
	// atomicity point the rate limiter and session versioning rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}

// migrate brings the schema up to date. Goose tracks applied versions, so
// rerunning on an already-migrated database is a no-op.
func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("sub filesystem for migrations: %w", err)
	}

	goose.SetBaseFS(subFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
