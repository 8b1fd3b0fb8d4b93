// Package mbi builds the Multiboot-1 information block the server hands
// off to the agent alongside the kernel and its modules.
package mbi

import (
	"encoding/binary"

	"github.com/eryjus/pi-bootloader/internal/wire"
)

const (
	// flagModules is MB1 header flag bit 3: a module table is present.
	flagModules = 1 << 3
	// flagMemoryMap is MB1 header flag bit 6: an mmap is present.
	flagMemoryMap = 1 << 6

	// mmapEntrySize is the on-wire size of the single memory-map entry
	// this bootloader emits (base + length + type, not counting the
	// leading size field).
	mmapEntrySize = 20
	// mmapRecordLen is the value written into the MBI's mmap_length field:
	// the entry size plus the leading 4-byte size prefix that precedes it.
	mmapRecordLen = 24

	// moduleRecordSize is the on-wire size of one module table entry.
	moduleRecordSize = 16

	// nameSlotSize is the size of each tail-packed basename slot.
	nameSlotSize = 34

	mmapAvailable = 1

	// maxUsableMemory bounds the single memory-map entry this bootloader
	// reports to the kernel.
	maxUsableMemory uint32 = 0x3F00_0000

	// header field offsets within the MB1 structure (flags at 0).
	offFlags       = 0
	offMemLower    = 4
	offMemUpper    = 8
	offBootDevice  = 12
	offCmdline     = 16
	offModsCount   = 20
	offModsAddr    = 24
	offSyms0       = 28
	offSyms1       = 32
	offSyms2       = 36
	offMmapLength  = 40
	offMmapAddr    = 44
	mb1HeaderFixed = 48
)

// Module is one entry in the module table: the module's placement in RAM
// and the basename the agent should be able to read back via the MBI.
type Module struct {
	Start    uint32
	End      uint32
	BaseName string
}

// Info is the fixed 8 KiB Multiboot information block. It is always
// transmitted in full so the tail-packed name slots arrive intact.
type Info struct {
	buf [wire.MBISize]byte
}

// New builds an Info with the MB1 header, the single memory-map entry, and
// the module table populated from modules, in manifest order. Callers place
// each module's physical address range with PlaceModules before calling New.
func New(modules []Module) *Info {
	info := &Info{}
	info.reset()

	for k, m := range modules {
		info.appendModule(k, m)
	}

	return info
}

// Bytes returns the full 8 KiB block ready to write to the link.
func (i *Info) Bytes() []byte {
	return i.buf[:]
}

func (i *Info) reset() {
	for idx := range i.buf {
		i.buf[idx] = 0
	}
	i.putU32(offFlags, flagModules|flagMemoryMap)

	mmapOffset := uint32(mb1HeaderFixed)
	i.putU32(mmapOffset, mmapEntrySize)        // size (excludes this field)
	i.putU32(mmapOffset+4, 0)                  // base low
	i.putU32(mmapOffset+8, 0)                  // base high
	i.putU32(mmapOffset+12, maxUsableMemory)   // length low
	i.putU32(mmapOffset+16, 0)                 // length high
	i.putU32(mmapOffset+20, mmapAvailable)     // type
	i.putU32(offMmapAddr, wire.MBIAddr+mmapOffset)
	i.putU32(offMmapLength, mmapRecordLen)
}

// moduleTableBase is where the first module record lands: immediately
// after the fixed header and the single memory-map entry.
const moduleTableBase = mb1HeaderFixed + mmapRecordLen

func (i *Info) appendModule(k int, m Module) {
	recordOffset := uint32(moduleTableBase + k*moduleRecordSize)
	slotOffset := uint32(wire.MBISize) - uint32(nameSlotSize*(k+1))

	copy(i.buf[slotOffset:slotOffset+nameSlotSize], nameBytes(m.BaseName))

	i.putU32(recordOffset, m.Start)
	i.putU32(recordOffset+4, m.End)
	i.putU32(recordOffset+8, wire.MBIAddr+slotOffset)
	i.putU32(recordOffset+12, 0)

	i.putU32(offModsAddr, wire.MBIAddr+moduleTableBase)
	i.putU32(offModsCount, uint32(k+1))
}

func (i *Info) putU32(offset, v uint32) {
	binary.LittleEndian.PutUint32(i.buf[offset:offset+4], v)
}

// nameBytes copies name into a nameSlotSize buffer, NUL-terminated and
// truncated if necessary — the caller is expected to have already
// truncated basenames to fit, but this guards against misuse.
func nameBytes(name string) []byte {
	out := make([]byte, nameSlotSize)
	n := copy(out, name)
	if n == nameSlotSize {
		out[nameSlotSize-1] = 0
	}
	return out
}

// PlaceModules computes the physical start/end address of each module in
// manifest order, given the kernel's load address and transmit size. The
// first module lands immediately after the kernel; each subsequent module
// follows the previous one's padded size, since sendModules streams size
// bytes of file content followed by padding bytes of zero-fill for every
// module, and the next module's bytes start only after that zero-fill ends.
func PlaceModules(kernelLoadAddr, kernelSize uint32, sizes, paddings []uint32, names []string) []Module {
	mods := make([]Module, 0, len(sizes))
	base := kernelLoadAddr + kernelSize
	for idx, size := range sizes {
		mods = append(mods, Module{
			Start:    base,
			End:      base + size,
			BaseName: names[idx],
		})
		base += size + paddings[idx]
	}
	return mods
}
