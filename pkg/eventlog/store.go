// Package eventlog persists worker and surface lifecycle events to SQLite and
// reads them back for the logs and status commands.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"beamhost/pkg/protocol"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store appends events for one host session.
type Store struct {
	db      *sql.DB
	session string

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the event database at path, applies the
// schema, and starts a new session.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &Store{db: db, session: uuid.NewString()}, nil
}

// openDB opens a SQLite database at path and enforces production-safe
// defaults: WAL journal mode and a 5-second busy timeout. It also calls
// db.PingContext to verify the connection is usable before returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// Session returns the id stamped on every event this Store writes.
func (s *Store) Session() string { return s.session }

// Record appends one event.
func (s *Store) Record(ctx context.Context, evType, source, subject, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session, type, source, subject, payload) VALUES (?, ?, ?, ?, ?)`,
		s.session, evType, source, subject, payload,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", evType, err)
	}
	return nil
}

// Close releases the database. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
