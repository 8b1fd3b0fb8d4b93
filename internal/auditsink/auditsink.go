// Package auditsink adapts the tamper-evident audit logger to the narrower
// interfaces bootserver and statusapi depend on, so neither package needs
// to know about audit.Entry's two-return-value Append or about reading the
// chain back off disk.
package auditsink

import (
	"encoding/json"
	"fmt"

	"github.com/eryjus/pi-bootloader/internal/audit"
	"github.com/eryjus/pi-bootloader/internal/statusapi"
)

// BootserverSink adapts *audit.Logger to bootserver.AuditSink, discarding
// the Entry that Append returns — bootserver only needs to know whether
// the write succeeded.
type BootserverSink struct {
	Logger *audit.Logger
}

// Append writes payload to the underlying log.
func (s *BootserverSink) Append(payload json.RawMessage) error {
	_, err := s.Logger.Append(payload)
	return err
}

// Reader adapts an audit log file to statusapi.AuditReader by replaying
// and verifying the full hash chain on every call.
type Reader struct {
	Path string
}

// Entries reads and verifies the chain, returning it as the view type the
// status API serializes.
func (r *Reader) Entries() ([]statusapi.AuditEntryView, error) {
	entries, err := audit.Verify(r.Path)
	if err != nil {
		return nil, fmt.Errorf("auditsink: verify %q: %w", r.Path, err)
	}
	views := make([]statusapi.AuditEntryView, len(entries))
	for i, e := range entries {
		views[i] = statusapi.AuditEntryView{
			Seq:       e.Seq,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
		}
	}
	return views, nil
}
