// Package db opens the SQLite database shared by the job store and the hit index.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database, used by tests.
const MemoryPath = ":memory:"

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if path == MemoryPath {
		// Every new connection to :memory: would see an empty database.
		db.SetMaxOpenConns(1)
	} else if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}
