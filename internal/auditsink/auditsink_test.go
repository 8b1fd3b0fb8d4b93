package auditsink_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/eryjus/pi-bootloader/internal/audit"
	"github.com/eryjus/pi-bootloader/internal/auditsink"
)

func TestBootserverSinkAppendDiscardsEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer logger.Close()

	sink := &auditsink.BootserverSink{Logger: logger}
	if err := sink.Append(json.RawMessage(`{"event":"transfer_started"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestReaderEntriesReturnsVerifiedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	if _, err := logger.Append(json.RawMessage(`{"event":"transfer_started"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := logger.Append(json.RawMessage(`{"event":"transfer_succeeded"}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	logger.Close()

	reader := &auditsink.Reader{Path: path}
	entries, err := reader.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].PrevHash != audit.GenesisHash {
		t.Errorf("entries[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[1].PrevHash != entries[0].EventHash {
		t.Error("entries[1].PrevHash does not chain from entries[0].EventHash")
	}
}
