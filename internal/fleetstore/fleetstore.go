package fleetstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of transfer rows held in
	// memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending transfers even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// schemaDDL creates the three fleet-wide tables if they do not already
// exist. It is applied once, on Store construction, rather than shipped as
// a separate migration tool: the schema is small and has no release
// history to reconcile yet.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS boards (
    board_id      TEXT PRIMARY KEY,
    device        TEXT NOT NULL,
    serial_number TEXT,
    platform      TEXT,
    last_seen     TIMESTAMPTZ,
    status        TEXT NOT NULL,
    UNIQUE (device)
);

CREATE TABLE IF NOT EXISTS transfers (
    transfer_id    TEXT PRIMARY KEY,
    board_id       TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    finished_at    TIMESTAMPTZ NOT NULL,
    kernel_path    TEXT NOT NULL,
    image_size     BIGINT NOT NULL,
    module_count   INTEGER NOT NULL,
    success        BOOLEAN NOT NULL,
    failure_reason TEXT,
    failure_detail JSONB,
    received_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_received_at ON transfers (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_board_id ON transfers (board_id);

CREATE TABLE IF NOT EXISTS audit_entries (
    entry_id     TEXT PRIMARY KEY,
    board_id     TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    event_hash   TEXT NOT NULL,
    prev_hash    TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_board_id ON audit_entries (board_id, sequence_num);
`

// Store is the PostgreSQL-backed fleet mirror.
//
// Transfer ingestion is batched the same way alert ingestion was batched in
// the dashboard this package is descended from: callers enqueue individual
// Transfer values via BatchInsertTransfers, which accumulates them in
// memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first.
// Board and audit-entry writes are executed immediately, since they are
// comparatively rare (one per handshake, one per boot event).
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Transfer
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, applies
// the schema, and starts the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Transfer, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered transfers, and closes the connection pool. Safe to call more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertTransfers enqueues t for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) BatchInsertTransfers(ctx context.Context, t Transfer) error {
	s.mu.Lock()
	s.batch = append(s.batch, t)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current transfer buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored, which makes retried pushes after a
// network blip idempotent.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Transfer, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO transfers
			(transfer_id, board_id, started_at, finished_at, kernel_path, image_size,
			 module_count, success, failure_reason, failure_detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		t := &toInsert[i]
		detail := []byte(t.FailureDetail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			t.TransferID, t.BoardID, t.StartedAt, t.FinishedAt, t.KernelPath, t.ImageSize,
			t.ModuleCount, t.Success, nullableStr(t.FailureReason), detail, t.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec transfer: %w", err)
		}
	}
	return nil
}

// QueryTransfers returns paginated transfers that fall within [q.From,
// q.To) on the received_at column. The table is not partitioned; the
// time range is an ordinary WHERE filter.
//
// Optional filters: q.BoardID (exact match), q.Success (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, transfer_id ASC.
func (s *Store) QueryTransfers(ctx context.Context, q TransferQuery) ([]Transfer, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.BoardID != "" {
		where += fmt.Sprintf(" AND board_id = $%d", argIdx)
		args = append(args, q.BoardID)
		argIdx++
	}
	if q.Success != nil {
		where += fmt.Sprintf(" AND success = $%d", argIdx)
		args = append(args, *q.Success)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sqlStr := fmt.Sprintf(`
		SELECT transfer_id, board_id, started_at, finished_at, kernel_path, image_size,
		       module_count, success, failure_reason, failure_detail, received_at
		FROM   transfers
		%s
		ORDER  BY received_at DESC, transfer_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		var failureReason *string
		var detail []byte
		err := rows.Scan(
			&t.TransferID, &t.BoardID, &t.StartedAt, &t.FinishedAt, &t.KernelPath, &t.ImageSize,
			&t.ModuleCount, &t.Success, &failureReason, &detail, &t.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if failureReason != nil {
			t.FailureReason = *failureReason
		}
		t.FailureDetail = detail
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Board registry ---

// UpsertBoard inserts a new board or, on device conflict, updates all
// mutable fields. It returns the effective board_id persisted in the
// database: on a clean insert this equals b.BoardID; on a device conflict
// the existing board_id is returned unchanged, so historical transfers
// stay correlated across agent reconnects on the same cable.
func (s *Store) UpsertBoard(ctx context.Context, b Board) (string, error) {
	var effectiveBoardID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO boards (board_id, device, serial_number, platform, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device) DO UPDATE SET
			serial_number = EXCLUDED.serial_number,
			platform      = EXCLUDED.platform,
			last_seen     = EXCLUDED.last_seen,
			status        = EXCLUDED.status
		RETURNING board_id`,
		b.BoardID,
		b.Device,
		nullableStr(b.SerialNumber),
		nullableStr(b.Platform),
		b.LastSeen,
		string(b.Status),
	).Scan(&effectiveBoardID)
	if err != nil {
		return "", fmt.Errorf("upsert board: %w", err)
	}
	return effectiveBoardID, nil
}

// ListBoards returns all registered boards ordered alphabetically by
// device path.
func (s *Store) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT board_id, device, serial_number, platform, last_seen, status
		FROM   boards
		ORDER  BY device`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, *b)
	}
	return boards, rows.Err()
}

// --- Audit mirror ---

// InsertAuditEntry persists a single tamper-evident audit log entry
// mirrored up from a board's local log.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (entry_id, board_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID, e.BoardID, e.SequenceNum, e.EventHash, e.PrevHash, []byte(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for boardID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, boardID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, board_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  board_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		boardID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(&e.EntryID, &e.BoardID, &e.SequenceNum, &e.EventHash, &e.PrevHash, &payload, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBoard(s scanner) (*Board, error) {
	var b Board
	var serial, platform *string
	var status string
	err := s.Scan(&b.BoardID, &b.Device, &serial, &platform, &b.LastSeen, &status)
	if err != nil {
		return nil, err
	}
	b.Status = BoardStatus(status)
	if serial != nil {
		b.SerialNumber = *serial
	}
	if platform != nil {
		b.Platform = *platform
	}
	return &b, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
