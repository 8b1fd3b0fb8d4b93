package elfimage_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/eryjus/pi-bootloader/internal/elfimage"
)

// buildELF32 assembles a minimal valid ELF32 header plus a program header
// table for the given headers, so the reader under test can be exercised
// without a real compiled kernel. The result is padded to the reader's
// required 4096-byte header read, the same way any real kernel file is at
// least that long.
func buildELF32(t *testing.T, class, data byte, eType uint16, entry uint32, headers []elfimage.ProgramHeader) []byte {
	t.Helper()

	const ehdrSize = 52
	const phdrSize = 32
	const minFileSize = 4096
	phoff := uint32(ehdrSize)

	size := phoff + uint32(len(headers))*phdrSize
	if size < minFileSize {
		size = minFileSize
	}
	buf := make([]byte, size)

	buf[0] = 0x7F
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = class
	buf[5] = data
	binary.LittleEndian.PutUint16(buf[16:18], eType)
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[44:46], uint16(len(headers)))

	for i, h := range headers {
		start := phoff + uint32(i)*phdrSize
		binary.LittleEndian.PutUint32(buf[start+4:start+8], h.Offset)
		binary.LittleEndian.PutUint32(buf[start+16:start+20], h.FileSz)
		binary.LittleEndian.PutUint32(buf[start+20:start+24], h.MemSz)
	}

	return buf
}

func TestReadValidSingleSegment(t *testing.T) {
	raw := buildELF32(t, 1, 1, 2, 0x00100000, []elfimage.ProgramHeader{
		{Offset: 0x1000, FileSz: 5000, MemSz: 6000},
	})

	summary, err := elfimage.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.EntryVA != 0x00100000 {
		t.Errorf("EntryVA = %#x, want 0x00100000", summary.EntryVA)
	}
	if len(summary.Headers) != 1 {
		t.Fatalf("got %d headers, want 1", len(summary.Headers))
	}
	if got, want := summary.TransmitSize(), uint32(8192); got != want {
		t.Errorf("TransmitSize = %d, want %d", got, want)
	}
}

func TestReadSumsMultipleSegments(t *testing.T) {
	raw := buildELF32(t, 1, 1, 2, 0, []elfimage.ProgramHeader{
		{Offset: 0, FileSz: 100, MemSz: 4096},
		{Offset: 4096, FileSz: 100, MemSz: 1},
	})

	summary, err := elfimage.Read(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := summary.TransmitSize(), uint32(4096+4096); got != want {
		t.Errorf("TransmitSize = %d, want %d", got, want)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	raw := buildELF32(t, 1, 1, 2, 0, nil)
	raw[0] = 0x00

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
}

func TestReadRejectsWrongClass(t *testing.T) {
	raw := buildELF32(t, 2, 1, 2, 0, nil)

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for 64-bit class, got nil")
	}
}

func TestReadRejectsWrongDataEncoding(t *testing.T) {
	raw := buildELF32(t, 1, 2, 2, 0, nil)

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for big-endian data encoding, got nil")
	}
}

func TestReadRejectsNonExecutableType(t *testing.T) {
	raw := buildELF32(t, 1, 1, 1, 0, nil)

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for ET_REL, got nil")
	}
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	raw := []byte{0x7F, 'E', 'L', 'F'}

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for truncated file, got nil")
	}
}

// TestReadRejectsFileOneByteShortOfHeaderRead is the literal scenario of a
// kernel file that is otherwise well-formed but one byte short of the
// mandatory 4096-byte header read: the read must fail regardless of how
// much of a valid ELF header it actually contains.
func TestReadRejectsFileOneByteShortOfHeaderRead(t *testing.T) {
	raw := buildELF32(t, 1, 1, 2, 0x00100000, []elfimage.ProgramHeader{
		{Offset: 0x1000, FileSz: 100, MemSz: 100},
	})
	raw = raw[:4095]

	if _, err := elfimage.Read(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for a 4095-byte file, got nil")
	}
}
