// Package db owns the SQLite database: connection setup, schema, and the
// single-writer queue that serializes all mutations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle together with the write queue. Reads go
// straight to the embedded *sql.DB; writes go through Queue.
type DB struct {
	*sql.DB
	Queue *WriteQueue

	path string
}

// Open opens (creating if necessary) the database at path, initializes the
// schema, and starts the write queue.
func Open(path string, queueDepth int) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	// WAL mode for concurrent readers; SQLite works best with one writer.
	handle, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxLifetime(0)

	d := &DB{DB: handle, path: path}
	if err := d.initSchema(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if queueDepth < 1 {
		queueDepth = DefaultQueueDepth
	}
	d.Queue = newWriteQueue(handle, queueDepth)

	log.Info().
		Str("path", path).
		Int("queueDepth", queueDepth).
		Msg("Database opened")

	return d, nil
}

// Close drains the write queue and closes the database.
func (d *DB) Close() error {
	if d.Queue != nil {
		d.Queue.Stop()
	}
	return d.DB.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) initSchema() error {
	if _, err := d.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	log.Debug().Msg("Schema initialized")
	return nil
}
