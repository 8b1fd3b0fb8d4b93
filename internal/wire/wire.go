// Package wire holds the constants shared by both ends of the serial link:
// the framing bytes, the fixed physical addresses the board and the server
// agree on ahead of time, and the payload limits that bound everything sent
// over the wire.
package wire

// Handshake and framing bytes.
const (
	// WakeByte is repeated three times in a row by the agent to request a
	// kernel. A standalone occurrence (not part of a run of three) is plain
	// console traffic and must reach the operator's terminal untouched.
	WakeByte byte = 0x03

	// ACK is the only positive handshake response on the wire.
	ACK byte = 0x06

	// NAK is the only negative handshake response on the wire.
	NAK byte = 0x15

	// WakeRunLength is the number of consecutive WakeByte occurrences that
	// constitute the wake word.
	WakeRunLength = 3
)

// Fixed physical addresses and size limits, agreed upon by both endpoints
// ahead of time (spec.md §4.1). These are board-layout constants, not
// protocol negotiation — neither endpoint sends them to the other.
const (
	// KernelLoadAddr is where the first byte of the kernel image lands in
	// physical RAM.
	KernelLoadAddr uint32 = 0x0010_0000

	// MBIAddr is the fixed physical address of the Multiboot information
	// block.
	MBIAddr uint32 = 0x000F_E000

	// MaxImageSize is the largest total image size (kernel + all modules,
	// each padded to a 4 KiB boundary) that fits below the 1 GiB ceiling
	// starting at KernelLoadAddr.
	MaxImageSize uint32 = 0x3FF0_0000

	// MaxMBISize is the largest MBI block the agent will accept.
	MaxMBISize uint32 = 0x4000

	// MBISize is the size, in bytes, that is always transmitted for the MBI
	// block regardless of how much of it is actually populated — the
	// tail-packed module name slots must arrive intact.
	MBISize uint32 = 0x2000

	// totalAddressSpace is the upper bound used to validate imageSize: it
	// must leave room below the 1 GiB mark once KernelLoadAddr is added.
	totalAddressSpace uint32 = 0x4000_0000
)

// PageSize is the rounding unit applied to every module's memory footprint
// and to the kernel's BSS padding.
const PageSize = 4096

// RoundUpPage rounds n up to the next multiple of PageSize. n is assumed to
// fit in a uint32 page count; this holds for every size this bootloader
// ever handles (bounded well below MaxImageSize).
func RoundUpPage(n uint32) uint32 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// PadToPage returns the number of zero bytes that must follow n bytes of
// payload to round the total up to a 4 KiB multiple.
func PadToPage(n uint32) uint32 {
	return RoundUpPage(n) - n
}

// ValidImageSize reports whether size is a transmittable total image size:
// non-zero-capable and small enough that KernelLoadAddr+size stays below the
// 1 GiB ceiling.
func ValidImageSize(size uint32) bool {
	return size <= MaxImageSize && KernelLoadAddr+size <= totalAddressSpace
}
