// Package fleetstore provides an optional PostgreSQL-backed mirror of
// transfer history and board registrations, for operators running a fleet
// of boards behind a single bootstrap server rather than one board at a
// time on a workbench.
package fleetstore

import (
	"encoding/json"
	"time"
)

// BoardStatus is the liveness state of a board as last observed by the
// bootstrap server.
type BoardStatus string

const (
	BoardStatusOnline   BoardStatus = "ONLINE"
	BoardStatusOffline  BoardStatus = "OFFLINE"
	BoardStatusDegraded BoardStatus = "DEGRADED"
)

// Board maps to the `boards` table: one row per distinct serial device the
// server has ever talked to.
//
// SerialNumber is whatever the board reports of itself; most boards report
// nothing, in which case it is empty and Device is the only identifier.
// LastSeen is nil until the first successful wake-word handshake.
type Board struct {
	BoardID      string      `json:"board_id"`
	Device       string      `json:"device"`
	SerialNumber string      `json:"serial_number,omitempty"`
	Platform     string      `json:"platform,omitempty"`
	LastSeen     *time.Time  `json:"last_seen,omitempty"`
	Status       BoardStatus `json:"status"`
}

// Transfer maps to the `transfers` table: one row per attempted kernel
// handoff, successful or not.
//
// FailureDetail carries free-form JSON context about a failed transfer (the
// state it failed in, the byte offset, etc). A nil FailureDetail is stored
// as the JSON value null.
type Transfer struct {
	TransferID    string          `json:"transfer_id"`
	BoardID       string          `json:"board_id"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	KernelPath    string          `json:"kernel_path"`
	ImageSize     uint32          `json:"image_size"`
	ModuleCount   int             `json:"module_count"`
	Success       bool            `json:"success"`
	FailureReason string          `json:"failure_reason,omitempty"`
	FailureDetail json.RawMessage `json:"failure_detail,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// AuditEntry maps to the `audit_entries` table: the fleet-wide mirror of
// each board's local tamper-evident audit log.
//
// EventHash is the SHA-256 hex digest of this entry; PrevHash is the digest
// of the entry before it (a string of 64 zeros for the genesis entry).
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	BoardID     string          `json:"board_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransferQuery carries the filter and pagination parameters for
// QueryTransfers.
//
// From and To are mandatory and bracket the received_at column. Limit defaults to 100 when <= 0. An empty
// BoardID matches all boards.
type TransferQuery struct {
	BoardID string
	Success *bool
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}
