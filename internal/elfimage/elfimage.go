// Package elfimage reads just enough of a 32-bit little-endian ELF
// executable to compute its in-memory footprint and entry point for
// transmission to the agent. It intentionally avoids debug/elf: the wire
// format this bootloader cares about is the raw Multiboot-style load image,
// not a full section/symbol view of the binary.
package elfimage

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/eryjus/pi-bootloader/internal/wire"
)

const (
	headerReadSize = 4096

	elfMagic0 = 0x7F
	elfMagic1 = 'E'
	elfMagic2 = 'L'
	elfMagic3 = 'F'

	classELF32    = 1
	dataLSB       = 1
	typeExecutable = 2

	phdrSize = 32
)

// ProgramHeader is the subset of an ELF32 program header this bootloader
// transmits: the file region to stream, and the memory region it expands
// into once BSS zero-fill is applied.
type ProgramHeader struct {
	Offset uint32 // p_offset
	FileSz uint32 // p_filesz
	MemSz  uint32 // p_memsz
}

// PaddedSize is the number of bytes actually placed on the wire for this
// header: the file bytes, plus zero-fill out to a 4 KiB boundary of MemSz.
func (p ProgramHeader) PaddedSize() uint32 {
	return wire.RoundUpPage(p.MemSz)
}

// Summary is the result of reading a kernel ELF image: its entry point and
// the ordered list of its program headers, kept whatever their type.
type Summary struct {
	EntryVA uint32
	Headers []ProgramHeader
}

// TransmitSize is the sum of every header's page-rounded memory footprint —
// the number of bytes the server tells the agent to expect.
func (s Summary) TransmitSize() uint32 {
	var total uint32
	for _, h := range s.Headers {
		total += h.PaddedSize()
	}
	return total
}

// invalidError names a specific ELF validation failure so callers can log a
// precise diagnostic before routing to recovery.
type invalidError struct {
	reason string
}

func (e *invalidError) Error() string {
	return fmt.Sprintf("elfimage: invalid kernel image: %s", e.reason)
}

// Read validates and summarizes the ELF32 executable available through r.
// It reads at most the first 4096 bytes of the file — enough to cover any
// realistic program header table — and returns an *invalidError wrapped
// error for any structural problem.
func Read(r io.ReaderAt) (*Summary, error) {
	header := make([]byte, headerReadSize)
	n, err := r.ReadAt(header, 0)
	if n != headerReadSize {
		return nil, &invalidError{reason: fmt.Sprintf("file shorter than the required %d-byte header read (got %d bytes)", headerReadSize, n)}
	}
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("elfimage: cannot read header: %w", err)
	}

	if header[0] != elfMagic0 || header[1] != elfMagic1 || header[2] != elfMagic2 || header[3] != elfMagic3 {
		return nil, &invalidError{reason: "bad magic"}
	}
	if header[4] != classELF32 {
		return nil, &invalidError{reason: fmt.Sprintf("class byte %d, want ELFCLASS32 (1)", header[4])}
	}
	if header[5] != dataLSB {
		return nil, &invalidError{reason: fmt.Sprintf("data byte %d, want little-endian (1)", header[5])}
	}

	eType := binary.LittleEndian.Uint16(header[16:18])
	if eType != typeExecutable {
		return nil, &invalidError{reason: fmt.Sprintf("e_type %d, want ET_EXEC (2)", eType)}
	}

	entry := binary.LittleEndian.Uint32(header[24:28])
	phoff := binary.LittleEndian.Uint32(header[28:32])
	phnum := binary.LittleEndian.Uint16(header[44:46])

	headers := make([]ProgramHeader, 0, phnum)
	for i := uint16(0); i < phnum; i++ {
		start := phoff + uint32(i)*phdrSize
		end := start + phdrSize
		if end > uint32(len(header)) {
			return nil, &invalidError{reason: fmt.Sprintf("program header %d falls outside the first %d bytes", i, headerReadSize)}
		}
		ph := header[start:end]
		headers = append(headers, ProgramHeader{
			Offset: binary.LittleEndian.Uint32(ph[4:8]),
			FileSz: binary.LittleEndian.Uint32(ph[16:20]),
			MemSz:  binary.LittleEndian.Uint32(ph[20:24]),
		})
	}

	return &Summary{EntryVA: entry, Headers: headers}, nil
}
