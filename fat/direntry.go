package fat

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Directory entry attribute bits.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

const (
	// deletedMarker in the first name byte flags a deleted entry.
	deletedMarker = 0xE5
	// kanjiEscape substitutes for a real first name byte of 0xE5.
	kanjiEscape = 0x05
)

// rawEntry is the on-disk 32 byte 8.3 directory record. All time and date
// fields are written as zero: builds carry no timestamps, so identical
// inputs produce byte-identical images.
type rawEntry struct {
	Name           [11]byte
	Attr           uint8
	NTReserved     uint8
	CreateTenths   uint8
	CreateTime     uint16
	CreateDate     uint16
	AccessDate     uint16
	FirstClusterHi uint16
	WriteTime      uint16
	WriteDate      uint16
	FirstClusterLo uint16
	Size           uint32
}

func newRawEntry(name string, attr uint8, firstCluster uint32, size uint32) rawEntry {
	return rawEntry{
		Name:           encodeName(name),
		Attr:           attr,
		FirstClusterHi: uint16(firstCluster >> 16),
		FirstClusterLo: uint16(firstCluster),
		Size:           size,
	}
}

// dotEntry builds the synthetic "." and ".." records every non-root
// directory starts with. The names bypass 8.3 splitting: the dots are
// literal name bytes, not extension separators.
func dotEntry(name string, cluster uint32) rawEntry {
	var raw [11]byte
	copy(raw[:], "           ")
	copy(raw[:], name)
	return rawEntry{
		Name:           raw,
		Attr:           AttrDirectory,
		FirstClusterHi: uint16(cluster >> 16),
		FirstClusterLo: uint16(cluster),
	}
}

func (e *rawEntry) bytes() []byte {
	var buf bytes.Buffer
	// Writing a fixed-size struct into a bytes.Buffer cannot fail.
	binary.Write(&buf, binary.LittleEndian, e)
	return buf.Bytes()
}

func (e *rawEntry) firstCluster() uint32 {
	return uint32(e.FirstClusterHi)<<16 | uint32(e.FirstClusterLo)
}

// decodeEntry parses the fields of a 32 byte directory record that
// reading needs. b must hold at least dirEntrySize bytes.
func decodeEntry(b []byte) rawEntry {
	var raw rawEntry
	copy(raw.Name[:], b[:11])
	raw.Attr = b[11]
	raw.FirstClusterHi = binary.LittleEndian.Uint16(b[20:22])
	raw.FirstClusterLo = binary.LittleEndian.Uint16(b[26:28])
	raw.Size = binary.LittleEndian.Uint32(b[28:32])
	return raw
}

// encodeName normalizes a file or directory name to the fixed 11 byte 8.3
// form: uppercased, split at the last dot, base truncated or space-padded
// to 8 bytes and extension to 3. Characters outside the conventional 8.3
// repertoire pass through untouched; this is not a VFAT sanitizer.
func encodeName(name string) [11]byte {
	base, ext := name, ""
	if idx := strings.LastIndex(name, "."); idx > 0 {
		base, ext = name[:idx], name[idx+1:]
	}
	var out [11]byte
	copy(out[:], "           ")
	copy(out[:8], strings.ToUpper(base))
	copy(out[8:], strings.ToUpper(ext))
	return out
}

// nameKey returns the encoded 8.3 form of name as a map key. Entries
// collide on their encoded names, not their given spellings: b.txt and
// B.TXT are one entry, and two long names truncating to the same 8.3
// form cannot share a directory.
func nameKey(name string) string {
	k := encodeName(name)
	return string(k[:])
}

// formatName renders an on-disk name in display form, e.g. "B.TXT".
func formatName(raw [11]byte) string {
	if raw[0] == kanjiEscape {
		raw[0] = deletedMarker
	}
	base := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// A DirEntry is one parsed directory record.
type DirEntry struct {
	Name         string // display form, e.g. "B.TXT"
	Attr         uint8
	FirstCluster uint32
	Size         uint32

	raw [11]byte
}

// IsDir reports whether the entry describes a directory.
func (e *DirEntry) IsDir() bool {
	return e.Attr&AttrDirectory != 0
}

// matches reports whether the entry's on-disk name equals the 8.3
// normalization of name, ignoring case.
func (e *DirEntry) matches(name string) bool {
	want := encodeName(name)
	return bytes.EqualFold(e.raw[:], want[:])
}
