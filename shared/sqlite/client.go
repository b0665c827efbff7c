// Package sqlite opens a file-backed SQLite database through sqlx for local
// runs of the worker and for tests.
package sqlite

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DefaultBusyTimeoutMS makes writers wait for the database lock instead of failing with SQLITE_BUSY.
const DefaultBusyTimeoutMS = 5000

// Config holds SQLite connection configuration
type Config struct {
	Path          string
	BusyTimeoutMS int
}

// DSN renders the modernc.org/sqlite connection string. Transactions begin
// IMMEDIATE so a claim holds the write lock from its first statement.
func (c *Config) DSN() string {
	timeout := c.BusyTimeoutMS
	if timeout <= 0 {
		timeout = DefaultBusyTimeoutMS
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate", c.Path, timeout)
}

// Open opens and pings the database.
func Open(config *Config, logger *slog.Logger) (*sqlx.DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sqlx.Connect("sqlite", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	logger.Info("Opened SQLite database",
		slog.String("path", config.Path),
	)
	return db, nil
}
