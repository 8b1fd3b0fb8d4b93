// Package historymirror fans a completed transfer attempt out to the local
// SQLite history store and, if configured, a fleet-wide PostgreSQL mirror —
// so a single bootserver.HistorySink can feed both without either store
// knowing the other exists.
package historymirror

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eryjus/pi-bootloader/internal/bootserver"
	"github.com/eryjus/pi-bootloader/internal/fleetstore"
)

// LocalStore is the subset of history.Store this package depends on.
type LocalStore interface {
	RecordTransfer(ctx context.Context, outcome bootserver.TransferOutcome) error
}

// FleetStore is the subset of fleetstore.Store this package depends on.
type FleetStore interface {
	UpsertBoard(ctx context.Context, b fleetstore.Board) (string, error)
	BatchInsertTransfers(ctx context.Context, t fleetstore.Transfer) error
}

// TransferObserver is notified of every outcome after it has been recorded
// locally, regardless of whether fleet mirroring is configured. The
// metrics registry satisfies this to keep its counters in sync.
type TransferObserver interface {
	ObserveTransfer(outcome bootserver.TransferOutcome)
}

// Sink implements bootserver.HistorySink, recording every outcome locally
// and, when fleet is non-nil, mirroring it to the fleet-wide store under
// the board identified by device.
type Sink struct {
	local    LocalStore
	fleet    FleetStore
	observer TransferObserver
	device   string
	logger   *slog.Logger

	boardID string
}

// New builds a Sink. fleet and observer may both be nil to disable
// fleet-wide mirroring and metrics observation respectively.
func New(local LocalStore, fleet FleetStore, observer TransferObserver, device string, logger *slog.Logger) *Sink {
	return &Sink{local: local, fleet: fleet, observer: observer, device: device, logger: logger}
}

// RecordTransfer persists outcome locally, then — best-effort — upserts the
// board and mirrors the transfer fleet-wide. A fleet-mirroring failure is
// logged but never propagated: the local record is the source of truth a
// single board depends on to keep operating.
func (s *Sink) RecordTransfer(ctx context.Context, outcome bootserver.TransferOutcome) error {
	if err := s.local.RecordTransfer(ctx, outcome); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.ObserveTransfer(outcome)
	}
	if s.fleet == nil {
		return nil
	}

	if s.boardID == "" {
		now := outcome.FinishedAt
		id, err := s.fleet.UpsertBoard(ctx, fleetstore.Board{
			Device:   s.device,
			LastSeen: &now,
			Status:   fleetstore.BoardStatusOnline,
		})
		if err != nil {
			s.logger.Warn("historymirror: upsert board failed", slog.Any("error", err))
			return nil
		}
		s.boardID = id
	}

	t := fleetstore.Transfer{
		TransferID:    uuid.NewString(),
		BoardID:       s.boardID,
		StartedAt:     outcome.StartedAt,
		FinishedAt:    outcome.FinishedAt,
		KernelPath:    outcome.KernelPath,
		ImageSize:     outcome.ImageSize,
		ModuleCount:   outcome.ModuleCount,
		Success:       outcome.Success,
		FailureReason: outcome.FailureReason,
		ReceivedAt:    outcome.FinishedAt,
	}
	if err := s.fleet.BatchInsertTransfers(ctx, t); err != nil {
		s.logger.Warn("historymirror: mirror transfer failed", slog.Any("error", err))
	}
	return nil
}
