// Package history provides a WAL-mode SQLite-backed store of transfer
// attempts, so an operator can review recent boots without parsing the
// audit log by hand.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed implementation of
// bootserver.HistorySink. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serializes RecordTransfer calls through it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS transfers (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at     TEXT    NOT NULL,
    finished_at    TEXT    NOT NULL,
    kernel_path    TEXT    NOT NULL,
    image_size     INTEGER NOT NULL,
    module_count   INTEGER NOT NULL,
    success        INTEGER NOT NULL,
    failure_reason TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_transfers_started_at
    ON transfers (started_at DESC);
`

// RecordTransfer persists one transfer attempt. It implements
// bootserver.HistorySink.
func (s *Store) RecordTransfer(ctx context.Context, outcome bootserver.TransferOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers
		   (started_at, finished_at, kernel_path, image_size, module_count, success, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		outcome.StartedAt.UTC().Format(time.RFC3339Nano),
		outcome.FinishedAt.UTC().Format(time.RFC3339Nano),
		outcome.KernelPath,
		outcome.ImageSize,
		outcome.ModuleCount,
		boolToInt(outcome.Success),
		outcome.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("history: record transfer: %w", err)
	}
	return nil
}

// Recent returns up to n of the most recent transfer attempts, newest
// first.
func (s *Store) Recent(ctx context.Context, n int) ([]bootserver.TransferOutcome, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, finished_at, kernel_path, image_size, module_count, success, failure_reason
		 FROM   transfers
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent query: %w", err)
	}
	defer rows.Close()

	var out []bootserver.TransferOutcome
	for rows.Next() {
		var (
			o                    bootserver.TransferOutcome
			startedStr, finished string
			success              int
		)
		if err := rows.Scan(&startedStr, &finished, &o.KernelPath, &o.ImageSize, &o.ModuleCount, &success, &o.FailureReason); err != nil {
			return nil, fmt.Errorf("history: recent scan: %w", err)
		}
		o.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		o.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		o.Success = success != 0
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
