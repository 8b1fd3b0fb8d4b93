// Package agentloop implements the board-side receive loop: it wakes the
// server, accepts a sized kernel image and Multiboot information block into
// RAM, and hands off execution to the kernel's entry point.
package agentloop

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/eryjus/pi-bootloader/internal/link"
	"github.com/eryjus/pi-bootloader/internal/wire"
)

// Memory is the RAM region the agent copies the image and MBI into. Real
// firmware backs this with a direct physical-address writer; RAM backs it
// with a byte slice for host-side testing.
type Memory interface {
	// WriteAt copies data starting at the given physical address. Callers
	// are responsible for ensuring addr/len stay within the region Memory
	// actually covers.
	WriteAt(addr uint32, data []byte) error
}

// EntryInvoker performs the final handoff to the kernel: publish entry to
// any secondary cores, issue a memory barrier, and jump. The real
// implementation is architecture-specific assembly and cannot be expressed
// in portable Go; tests substitute a fake that just records the call.
type EntryInvoker interface {
	Invoke(entryVA, mbiAddr uint32)
}

// haltError is returned when the agent must stop following the protocol —
// either it NAKed the server and is giving up, or the server denied boot
// permission. There is no recovery path on this side of the link.
type haltError struct {
	reason string
}

func (e *haltError) Error() string {
	return fmt.Sprintf("agentloop: halted: %s", e.reason)
}

// Loop drives one full boot attempt on a single link: wake, receive image,
// receive MBI, receive entry address, and hand off. On success control
// passes to EntryInvoker.Invoke, and Run returns nil once Invoke returns (as
// RecordingInvoker does); the real firmware never returns from Invoke. Loop
// returns an error only when the exchange fails before handoff.
type Loop struct {
	lnk     link.Link
	mem     Memory
	invoker EntryInvoker
	logger  *slog.Logger
	banner  io.Writer
}

// Option configures a Loop at construction time.
type Option func(*Loop)

// WithBanner overrides where the startup banner is printed; defaults to
// discarding it entirely, since board firmware prints over a UART that
// tests do not have.
func WithBanner(w io.Writer) Option {
	return func(l *Loop) { l.banner = w }
}

// New builds a Loop that communicates over lnk, writes into mem, and hands
// off execution through invoker.
func New(lnk link.Link, mem Memory, invoker EntryInvoker, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{lnk: lnk, mem: mem, invoker: invoker, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one full wake/receive/handoff cycle.
func (l *Loop) Run() error {
	if l.banner != nil {
		fmt.Fprintf(l.banner, "### Listening to link...\n")
	}

	if err := l.lnk.SetBlocking(true); err != nil {
		return fmt.Errorf("agentloop: set blocking: %w", err)
	}

	if err := l.lnk.Write([]byte{wire.WakeByte, wire.WakeByte, wire.WakeByte}); err != nil {
		return fmt.Errorf("agentloop: emit wake word: %w", err)
	}

	imageSize, err := l.readU32()
	if err != nil {
		return fmt.Errorf("agentloop: read image size: %w", err)
	}
	if !wire.ValidImageSize(imageSize) {
		return l.nak(fmt.Sprintf("image size %d exceeds the transmittable maximum", imageSize))
	}
	if err := l.ack(); err != nil {
		return err
	}

	if err := l.receiveInto(wire.KernelLoadAddr, imageSize); err != nil {
		return fmt.Errorf("agentloop: receive image: %w", err)
	}
	if err := l.ack(); err != nil {
		return err
	}

	mbiSize, err := l.readU32()
	if err != nil {
		return fmt.Errorf("agentloop: read mbi size: %w", err)
	}
	placement := mbiPlacement(mbiSize)
	if mbiSize > wire.MaxMBISize || placement < 0x000F_C000 {
		return l.nak(fmt.Sprintf("mbi size %d cannot be placed safely", mbiSize))
	}
	if err := l.ack(); err != nil {
		return err
	}

	if err := l.receiveInto(placement, mbiSize); err != nil {
		return fmt.Errorf("agentloop: receive mbi: %w", err)
	}
	if err := l.ack(); err != nil {
		return err
	}

	entryVA, err := l.readU32()
	if err != nil {
		return fmt.Errorf("agentloop: read entry: %w", err)
	}
	if err := l.ack(); err != nil {
		return err
	}

	permission, err := l.lnk.ReadByte()
	if err != nil {
		return fmt.Errorf("agentloop: read boot permission: %w", err)
	}
	if permission != wire.ACK {
		return &haltError{reason: fmt.Sprintf("server denied boot permission (got %#x)", permission)}
	}

	l.invoker.Invoke(entryVA, placement)
	return nil
}

// mbiPlacement computes the physical address the MBI lands at, per the
// board's fixed placement rule: round down from the kernel load address by
// mbiSize, page-aligned. In practice this always resolves to wire.MBIAddr.
func mbiPlacement(mbiSize uint32) uint32 {
	return (wire.KernelLoadAddr - mbiSize) &^ 0xFFF
}

func (l *Loop) readU32() (uint32, error) {
	var buf [4]byte
	if err := l.readFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (l *Loop) readFull(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := l.lnk.Read(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// receiveInto streams exactly n bytes from the link into mem starting at
// addr, through a fixed-size scratch buffer.
func (l *Loop) receiveInto(addr, n uint32) error {
	const chunkSize = 64 * 1024
	scratch := make([]byte, chunkSize)
	var written uint32
	for written < n {
		want := n - written
		if want > chunkSize {
			want = chunkSize
		}
		if err := l.readFull(scratch[:want]); err != nil {
			return err
		}
		if err := l.mem.WriteAt(addr+written, scratch[:want]); err != nil {
			return err
		}
		written += want
	}
	return nil
}

func (l *Loop) ack() error {
	return l.lnk.Write([]byte{wire.ACK})
}

func (l *Loop) nak(reason string) error {
	msg := append([]byte{wire.NAK}, []byte(reason)...)
	if err := l.lnk.Write(msg); err != nil {
		return fmt.Errorf("agentloop: write nak: %w", err)
	}
	return &haltError{reason: reason}
}
