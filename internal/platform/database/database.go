package database

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"signet/internal/platform/config"
)

const memoryDSN = ":memory:"

// Open connects to the SQLite database described by cfg. Foreign keys are enforced on every
// connection so webhook and document deletes cascade to their events and reminders.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	path := strings.TrimPrefix(cfg.URL, "file:")
	if path == "" || path == memoryDSN {
		return OpenMemory()
	}

	db, err := sql.Open("sqlite3", withParams(path, "_foreign_keys=1", "_busy_timeout=5000", "_journal_mode=WAL"))
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenMemory opens a private in-memory database. Every connection to ":memory:" sees its own
// empty database, so the pool is pinned to a single connection that is never recycled.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", withParams(memoryDSN, "_foreign_keys=1"))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func withParams(dsn string, params ...string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// IsUniqueViolation reports whether err was raised by a UNIQUE or PRIMARY KEY constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
