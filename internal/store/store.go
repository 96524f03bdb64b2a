// Package store is the durable store (spec.md §4.1): transactional SQLite
// persistence of directories, conversations, repositories, tasks, and
// directory git snapshots, with single-writer/multi-reader discipline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the gateway's one *sql.DB writer handle and a second,
// read-only handle for concurrent readers. Mirrors the teacher's single-
// writer SQLite discipline (internal/rpc/server.go's cache eviction keeps
// at most one open handle per logical database at a time).
type Store struct {
	path    string
	writeDB *sql.DB
	readDB  *sql.DB
	log     *slog.Logger

	cursor *eventCursor
	sink   EventSink
}

// Open applies pending migrations then opens the writer and reader
// handles against path (spec.md §6.4: "{runtimeRoot}/control-plane.sqlite").
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := applyMigrations(path); err != nil {
		return nil, err
	}

	writeDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	return &Store{
		path:    path,
		writeDB: writeDB,
		readDB:  readDB,
		log:     log,
		cursor:  newEventCursor(),
	}, nil
}

// Close flushes WAL and closes both handles.
func (s *Store) Close() error {
	if err := s.writeDB.Close(); err != nil {
		return fmt.Errorf("store: close writer: %w", err)
	}
	return s.readDB.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// nextCursor allocates the next monotonically increasing, per-gateway-
// lifetime cursor for a durable mutation event. See internal/bus for the
// subscription side of cursor replay.
func (s *Store) nextCursor() int64 { return s.cursor.next() }
