package fat

import "encoding/binary"

const (
	// endOfChain16/32 are the markers written to terminate a chain.
	// Readers must treat any value at or above the variant's threshold as
	// end of chain.
	endOfChain16   = uint32(0xFFFF)
	endOfChain32   = uint32(0x0FFFFFFF)
	eocThreshold16 = uint32(0xFFF8)
	eocThreshold32 = uint32(0x0FFFFFF8)

	// fat32EntryMask strips the four reserved top bits of a FAT32 entry.
	fat32EntryMask = uint32(0x0FFFFFFF)
)

// A Table is the in-memory File Allocation Table of an image being built.
// Entry 0 holds the media descriptor, entry 1 marks a clean file system;
// data clusters start at entry 2.
type Table struct {
	variant Variant
	size    int64 // serialized size of one copy in bytes
	entries []uint32
}

func NewTable(g *Geometry) *Table {
	t := &Table{
		variant: g.Variant,
		size:    int64(g.FATSectors) * int64(g.BytesPerSector),
		entries: make([]uint32, g.ClusterCount()+2),
	}
	if g.Variant == Fat16 {
		t.entries[0] = uint32(0xFF)<<8 | uint32(g.Media)
	} else {
		t.entries[0] = 0x0FFFFF00 | uint32(g.Media)
	}
	t.entries[1] = t.endOfChain()
	return t
}

func (t *Table) endOfChain() uint32 {
	if t.variant == Fat16 {
		return endOfChain16
	}
	return endOfChain32
}

// LinkChain records a chain over n contiguously numbered clusters starting
// at first: n-1 forward links plus one end-of-chain marker.
func (t *Table) LinkChain(first, n uint32) {
	if n == 0 {
		return
	}
	for i := uint32(0); i < n-1; i++ {
		t.entries[first+i] = first + i + 1
	}
	t.entries[first+n-1] = t.endOfChain()
}

// Extend re-links a chain whose terminal cluster is tail to continue in
// next, which becomes the new end of the chain. Directories grow this
// way, one cluster per entry capacity.
func (t *Table) Extend(tail, next uint32) {
	t.entries[tail] = next
	t.entries[next] = t.endOfChain()
}

// Bytes serializes one FAT copy at the variant's entry width, padded with
// zeroes (free entries) to the full on-disk FAT size. Every copy of the
// FAT is this same byte sequence; redundancy is static duplication.
func (t *Table) Bytes() []byte {
	buf := make([]byte, t.size)
	if t.variant == Fat16 {
		for i, e := range t.entries {
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(e))
		}
		return buf
	}
	for i, e := range t.entries {
		binary.LittleEndian.PutUint32(buf[4*i:], e&fat32EntryMask)
	}
	return buf
}
