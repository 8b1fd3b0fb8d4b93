// Package manifest loads and validates the small text file that tells
// pbl-server which kernel and modules to ship to the agent.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxBytes is the largest manifest file this loader accepts.
	MaxBytes = 2560

	// MaxLines is the largest number of logical lines the manifest may
	// contain, kernel line included.
	MaxLines = 10

	// MaxModules is the largest number of module entries allowed after
	// the mandatory kernel entry.
	MaxModules = MaxLines - 1

	// nameFieldSize is the size in bytes of an entry's basename field,
	// including the trailing NUL — it must fit in an MBI tail slot.
	nameFieldSize = 32
)

// Kind distinguishes the one kernel entry from the modules that follow it.
type Kind int

const (
	// Kernel is the first and only entry of this kind; it must appear at
	// index 0.
	Kernel Kind = iota
	// Module is any subsequent entry.
	Module
)

func (k Kind) String() string {
	if k == Kernel {
		return "kernel"
	}
	return "module"
}

// Entry describes one file to be transmitted to the agent: the kernel
// itself, or one of up to nine modules that ride alongside it.
//
// Size and Padding are populated by the loader for modules (file length and
// the zero-fill needed to round up to a 4 KiB boundary) and are left at zero
// for the kernel entry until the ELF reader overwrites Size with the
// kernel's in-memory footprint.
type Entry struct {
	Kind     Kind
	Path     string
	File     *os.File
	Size     uint32
	Padding  uint32
	BaseName string
}

// SyntaxError reports a manifest line that failed to parse or validate,
// carrying the 0-based line number for operator-facing diagnostics.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("manifest line %d: %s", e.Line, e.Msg)
}

// Load reads, parses, and opens every file referenced by the manifest at
// path. On any failure it closes whatever files it had already opened and
// returns a *SyntaxError or a wrapped I/O error.
func Load(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot read %q: %w", path, err)
	}
	if len(data) > MaxBytes {
		return nil, fmt.Errorf("manifest: %q is %d bytes, exceeds the %d byte limit", path, len(data), MaxBytes)
	}

	lines := splitLines(string(data))

	var entries []*Entry
	defer func() {
		if err != nil {
			for _, e := range entries {
				if e.File != nil {
					e.File.Close()
				}
			}
		}
	}()

	lineNo := 0
	for _, raw := range lines {
		line := strings.TrimLeft(raw, " \t")
		if line == "" {
			lineNo++
			continue
		}
		if lineNo >= MaxLines {
			err = &SyntaxError{Line: lineNo, Msg: "too many manifest entries"}
			return nil, err
		}

		keyword, path, ok := splitKeyword(line)
		if !ok {
			err = &SyntaxError{Line: lineNo, Msg: "expected a keyword followed by whitespace and a path"}
			return nil, err
		}

		kind, kerr := classify(lineNo, keyword)
		if kerr != nil {
			err = kerr
			return nil, err
		}
		if kind == Kernel && len(entries) != 0 {
			err = &SyntaxError{Line: lineNo, Msg: "kernel entry must be line 0"}
			return nil, err
		}
		if kind == Module && len(entries) == 0 {
			err = &SyntaxError{Line: lineNo, Msg: "line 0 must be the kernel entry"}
			return nil, err
		}
		if kind == Module && len(entries) > MaxModules {
			err = &SyntaxError{Line: lineNo, Msg: "too many module entries"}
			return nil, err
		}

		entry, oerr := openEntry(lineNo, kind, path)
		if oerr != nil {
			err = oerr
			return nil, err
		}
		entries = append(entries, entry)
		lineNo++
	}

	if len(entries) == 0 || entries[0].Kind != Kernel {
		err = &SyntaxError{Line: 0, Msg: "manifest must begin with a kernel entry"}
		return nil, err
	}

	return entries, nil
}

// Close releases every entry's open file handle. Safe to call with entries
// already partially closed.
func Close(entries []*Entry) {
	for _, e := range entries {
		if e.File != nil {
			e.File.Close()
			e.File = nil
		}
	}
}

func classify(line int, keyword string) (Kind, error) {
	switch keyword {
	case "kernel":
		return Kernel, nil
	case "module":
		return Module, nil
	default:
		return 0, &SyntaxError{Line: line, Msg: fmt.Sprintf("invalid keyword %q, expected kernel or module", keyword)}
	}
}

func openEntry(line int, kind Kind, path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SyntaxError{Line: line, Msg: fmt.Sprintf("cannot open %q: %v", path, err)}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &SyntaxError{Line: line, Msg: fmt.Sprintf("cannot stat %q: %v", path, err)}
	}
	if info.Size() == 0 {
		f.Close()
		return nil, &SyntaxError{Line: line, Msg: fmt.Sprintf("%q is empty", path)}
	}

	e := &Entry{
		Kind:     kind,
		Path:     path,
		File:     f,
		BaseName: truncateName(filepath.Base(path)),
	}

	if kind == Module {
		size := uint32(info.Size())
		e.Size = size
		e.Padding = (4096 - size%4096) % 4096
	}

	return e, nil
}

// truncateName copies name into the entry's 32-byte field, reserving one
// byte for the NUL terminator.
func truncateName(name string) string {
	const maxLen = nameFieldSize - 1
	if len(name) > maxLen {
		return name[:maxLen]
	}
	return name
}

// splitLines breaks raw manifest bytes on \n or \r, dropping a trailing
// empty segment produced by a final line terminator.
func splitLines(data string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// splitKeyword separates a trimmed line into its leading keyword and the
// (whitespace-trimmed) path that follows it.
func splitKeyword(line string) (keyword, path string, ok bool) {
	s := bufio.NewScanner(strings.NewReader(line))
	s.Split(bufio.ScanWords)
	if !s.Scan() {
		return "", "", false
	}
	keyword = s.Text()

	rest := strings.TrimPrefix(line, keyword)
	rest = strings.TrimLeft(rest, " \t")
	rest = strings.TrimRight(rest, " \t")
	if rest == "" {
		return "", "", false
	}
	return keyword, rest, true
}
