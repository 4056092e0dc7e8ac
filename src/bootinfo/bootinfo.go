// Package bootinfo parses the memory map a boot loader hands the
// kernel in one of two formats -- a legacy ARDS (Address Range
// Descriptor Structure) table, or a Multiboot2 information blob -- and
// reduces it to the single largest available region, the Go shape of
// memory_init picking the region mem.NewPhysmem is built from.
package bootinfo

import (
	"encoding/binary"
	"fmt"
)

const (
	// LegacyMagic is the magic value the legacy ARDS-table loader
	// path passes in place of Multiboot2Magic; the two are
	// distinguished purely by this value, never by blob shape.
	LegacyMagic = 0x20230126

	Multiboot2Magic = 0x36d76289

	zoneValid    = 1
	zoneReserved = 2

	tagTypeEnd  = 0
	tagTypeMmap = 6
)

/// Region_t is one memory-map entry, already widened to 64-bit base/
/// size regardless of which source format produced it.
type Region_t struct {
	Base uint64
	Size uint64
	Type uint32
}

// Available reports whether r is usable RAM (ARDS/Multiboot2 share the
// same "type 1 means available" convention).
func (r Region_t) Available() bool {
	return r.Type == zoneValid
}

/// Info_t is a parsed memory map plus the single largest available
/// region, the only piece of it memory_init actually keeps.
type Info_t struct {
	Regions []Region_t
	Base    uint64
	Size    uint64
}

// Parse dispatches on magic to ParseLegacy or ParseMultiboot2, the Go
// shape of memory_init's own magic-value switch.
func Parse(magic uint32, addr []byte) (Info_t, error) {
	switch magic {
	case LegacyMagic:
		return ParseLegacy(addr)
	case Multiboot2Magic:
		return ParseMultiboot2(addr)
	default:
		return Info_t{}, fmt.Errorf("bootinfo: unknown magic %#x", magic)
	}
}

// ParseLegacy reads a legacy ARDS table: a little-endian uint32 entry
// count at addr[0:4], followed by that many 20-byte {base u64, size
// u64, type u32} entries, the layout ards_t describes.
func ParseLegacy(addr []byte) (Info_t, error) {
	const entrySize = 20
	if len(addr) < 4 {
		return Info_t{}, fmt.Errorf("bootinfo: legacy table truncated")
	}
	count := binary.LittleEndian.Uint32(addr[0:4])
	var info Info_t
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+entrySize > len(addr) {
			return Info_t{}, fmt.Errorf("bootinfo: legacy table truncated at entry %d", i)
		}
		r := Region_t{
			Base: binary.LittleEndian.Uint64(addr[off : off+8]),
			Size: binary.LittleEndian.Uint64(addr[off+8 : off+16]),
			Type: binary.LittleEndian.Uint32(addr[off+16 : off+20]),
		}
		info.Regions = append(info.Regions, r)
		off += entrySize
		keepLargest(&info, r)
	}
	return info, nil
}

// ParseMultiboot2 walks the Multiboot2 tag list starting at addr[8]
// (after the {total_size, reserved} header) looking for the MMAP tag,
// then walks its fixed-stride entry array, the Go shape of
// memory_init's multiboot2 branch.
func ParseMultiboot2(addr []byte) (Info_t, error) {
	const tagHeader = 8
	if len(addr) < tagHeader {
		return Info_t{}, fmt.Errorf("bootinfo: multiboot2 info truncated")
	}
	totalSize := int(binary.LittleEndian.Uint32(addr[0:4]))
	if totalSize > len(addr) {
		totalSize = len(addr)
	}

	pos := tagHeader
	for pos+tagHeader <= totalSize {
		typ := binary.LittleEndian.Uint32(addr[pos : pos+4])
		size := binary.LittleEndian.Uint32(addr[pos+4 : pos+8])
		if typ == tagTypeEnd {
			return Info_t{}, fmt.Errorf("bootinfo: no mmap tag found")
		}
		if typ == tagTypeMmap {
			return parseMmapTag(addr[pos:pos+int(size)], totalSize)
		}
		pos += align8(int(size))
	}
	return Info_t{}, fmt.Errorf("bootinfo: no mmap tag found")
}

func parseMmapTag(tag []byte, _ int) (Info_t, error) {
	const mmapHeader = 16
	if len(tag) < mmapHeader {
		return Info_t{}, fmt.Errorf("bootinfo: mmap tag truncated")
	}
	entrySize := int(binary.LittleEndian.Uint32(tag[8:12]))
	if entrySize < 24 {
		return Info_t{}, fmt.Errorf("bootinfo: mmap entry size %d too small", entrySize)
	}

	var info Info_t
	for off := mmapHeader; off+entrySize <= len(tag); off += entrySize {
		r := Region_t{
			Base: binary.LittleEndian.Uint64(tag[off : off+8]),
			Size: binary.LittleEndian.Uint64(tag[off+8 : off+16]),
			Type: binary.LittleEndian.Uint32(tag[off+16 : off+20]),
		}
		info.Regions = append(info.Regions, r)
		keepLargest(&info, r)
	}
	return info, nil
}

func keepLargest(info *Info_t, r Region_t) {
	if r.Available() && r.Size > info.Size {
		info.Base = r.Base
		info.Size = r.Size
	}
}

func align8(n int) int {
	return (n + 7) &^ 7
}
