package fat

import (
	"encoding/binary"
	"fmt"
	"io"
)

// longNameAttrs is the attribute combination marking a VFAT long name
// record.
const longNameAttrs = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

// Bad-cluster markers. A chain that runs into one is broken.
const (
	badCluster16 = 0xFFF7
	badCluster32 = 0x0FFFFFF7
)

// An Image provides read access to a FAT16 or FAT32 volume. All regions
// are read lazily through the io.ReaderAt, so opening a deceptive image
// succeeds even though its declared size exceeds the bytes actually
// present; only reads that chase data beyond the physical end fail.
type Image struct {
	r io.ReaderAt

	// Geometry is the layout recovered from the boot sector. For a
	// deceptive image it reflects the declared total, not the physical
	// size.
	Geometry Geometry
}

// Open parses and validates the boot sector of the volume in r.
//
// The variant is detected structurally: a zero 16 bit FAT size means the
// 32 bit FAT32 fields are in effect. Deriving the variant from the
// cluster count instead would misclassify deceptive images, whose
// declared totals can imply arbitrarily few clusters. FAT12 volumes are
// rejected.
func Open(r io.ReaderAt) (*Image, error) {
	var sector [sectorSize]byte
	if _, err := r.ReadAt(sector[:], 0); err != nil {
		return nil, fmt.Errorf("cannot read boot sector: %w", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, fmt.Errorf("invalid boot sector: missing 0x55AA signature")
	}

	g := Geometry{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		RootEntryCount:    binary.LittleEndian.Uint16(sector[17:19]),
		Media:             sector[21],
	}
	switch g.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("invalid boot sector: %d bytes per sector", g.BytesPerSector)
	}
	if spc := g.SectorsPerCluster; spc == 0 || spc&(spc-1) != 0 {
		return nil, fmt.Errorf("invalid boot sector: %d sectors per cluster", g.SectorsPerCluster)
	}
	if g.ReservedSectors == 0 {
		return nil, fmt.Errorf("invalid boot sector: zero reserved sectors")
	}
	if g.NumFATs == 0 {
		return nil, fmt.Errorf("invalid boot sector: zero FAT copies")
	}
	g.TotalSectors = uint32(binary.LittleEndian.Uint16(sector[19:21]))
	if g.TotalSectors == 0 {
		g.TotalSectors = binary.LittleEndian.Uint32(sector[32:36])
	}
	if g.TotalSectors == 0 {
		return nil, fmt.Errorf("invalid boot sector: zero total sectors")
	}

	if fatSize16 := binary.LittleEndian.Uint16(sector[22:24]); fatSize16 != 0 {
		g.Variant = Fat16
		g.FATSectors = uint32(fatSize16)
		if g.RootEntryCount == 0 {
			return nil, fmt.Errorf("invalid boot sector: zero root directory entries")
		}
	} else {
		g.Variant = Fat32
		g.FATSectors = binary.LittleEndian.Uint32(sector[36:40])
		g.RootCluster = binary.LittleEndian.Uint32(sector[44:48])
		g.FSInfoSector = binary.LittleEndian.Uint16(sector[48:50])
		g.BackupBoot = binary.LittleEndian.Uint16(sector[50:52])
		if g.FATSectors == 0 {
			return nil, fmt.Errorf("invalid boot sector: zero FAT size")
		}
		if g.RootCluster < 2 {
			return nil, fmt.Errorf("invalid boot sector: root directory cluster %d", g.RootCluster)
		}
	}

	// All the overhead arithmetic in 64 bits: a hostile FAT size must not
	// wrap the check around.
	overhead := uint64(g.ReservedSectors) +
		uint64(g.NumFATs)*uint64(g.FATSectors) +
		uint64(g.rootDirSectors())
	if uint64(g.TotalSectors) < overhead+uint64(g.SectorsPerCluster) {
		return nil, fmt.Errorf("invalid boot sector: %d total sectors do not cover the metadata regions", g.TotalSectors)
	}
	if g.Variant == Fat16 {
		switch count := g.ClusterCount(); {
		case count < fat16MinClusters:
			return nil, fmt.Errorf("unsupported FAT12 volume (%d clusters)", count)
		case count > fat16MaxClusters:
			return nil, fmt.Errorf("invalid boot sector: %d clusters overflow 16 bit FAT entries", count)
		}
	}

	return &Image{r: r, Geometry: g}, nil
}

// FATEntry returns the FAT value for the given cluster, read from the
// first FAT copy. FAT32 values are masked to their 28 significant bits.
func (img *Image) FATEntry(cluster uint32) (uint32, error) {
	width := int64(2)
	if img.Geometry.Variant == Fat32 {
		width = 4
	}
	fatBytes := int64(img.Geometry.FATSectors) * int64(img.Geometry.BytesPerSector)
	off := int64(cluster) * width
	if off+width > fatBytes {
		return 0, fmt.Errorf("cluster %d has no FAT entry: %w", cluster, ErrBrokenChain)
	}
	var buf [4]byte
	if _, err := img.r.ReadAt(buf[:width], img.Geometry.FATOffset(0)+off); err != nil {
		return 0, fmt.Errorf("cannot read FAT entry for cluster %d: %w", cluster, err)
	}
	if width == 2 {
		return uint32(binary.LittleEndian.Uint16(buf[:2])), nil
	}
	return binary.LittleEndian.Uint32(buf[:4]) & fat32EntryMask, nil
}

func (img *Image) isEndOfChain(value uint32) bool {
	if img.Geometry.Variant == Fat32 {
		return value >= eocThreshold32
	}
	return value >= eocThreshold16
}

func (img *Image) isBadCluster(value uint32) bool {
	if img.Geometry.Variant == Fat32 {
		return value == badCluster32
	}
	return value == badCluster16
}

// Chain follows the FAT from first until the end-of-chain marker and
// returns the visited clusters in order. A chain that leaves the valid
// cluster range, runs into a free or bad cluster, or fails to terminate
// is reported as ErrBrokenChain.
func (img *Image) Chain(first uint32) ([]uint32, error) {
	width := int64(2)
	if img.Geometry.Variant == Fat32 {
		width = 4
	}
	// No valid chain can be longer than the FAT has entries.
	maxLen := int64(img.Geometry.FATSectors) * int64(img.Geometry.BytesPerSector) / width

	var chain []uint32
	cluster := first
	for {
		if cluster < 2 {
			return nil, fmt.Errorf("cluster %d in chain starting at %d: %w", cluster, first, ErrBrokenChain)
		}
		chain = append(chain, cluster)
		if int64(len(chain)) > maxLen {
			return nil, fmt.Errorf("chain starting at %d does not terminate: %w", first, ErrBrokenChain)
		}
		value, err := img.FATEntry(cluster)
		if err != nil {
			return nil, err
		}
		if img.isEndOfChain(value) {
			return chain, nil
		}
		if value == 0 {
			return nil, fmt.Errorf("cluster %d in chain starting at %d is marked free: %w", cluster, first, ErrBrokenChain)
		}
		if img.isBadCluster(value) {
			return nil, fmt.Errorf("chain starting at %d runs into the bad cluster marker: %w", first, ErrBrokenChain)
		}
		cluster = value
	}
}

// Root lists the entries of the root directory.
func (img *Image) Root() ([]DirEntry, error) {
	if img.Geometry.Variant == Fat32 {
		return img.readDirChain(img.Geometry.RootCluster)
	}
	buf := make([]byte, int(img.Geometry.RootEntryCount)*dirEntrySize)
	if _, err := img.r.ReadAt(buf, img.Geometry.RootDirOffset()); err != nil {
		return nil, fmt.Errorf("cannot read root directory: %w", err)
	}
	return decodeDirEntries(buf), nil
}

// ReadDir lists the entries of the directory e describes.
func (img *Image) ReadDir(e DirEntry) ([]DirEntry, error) {
	if !e.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", e.Name)
	}
	if e.FirstCluster == 0 {
		return nil, nil
	}
	return img.readDirChain(e.FirstCluster)
}

func (img *Image) readDirChain(first uint32) ([]DirEntry, error) {
	chain, err := img.Chain(first)
	if err != nil {
		return nil, err
	}
	clusterSize := img.Geometry.ClusterSize()
	buf := make([]byte, int64(len(chain))*clusterSize)
	for i, cluster := range chain {
		if err := img.readCluster(cluster, buf[int64(i)*clusterSize:int64(i+1)*clusterSize]); err != nil {
			return nil, err
		}
	}
	return decodeDirEntries(buf), nil
}

// ReadFile returns the full content of the file e describes, following
// its cluster chain and truncating the final cluster's padding to the
// recorded size.
func (img *Image) ReadFile(e DirEntry) ([]byte, error) {
	if e.IsDir() {
		return nil, fmt.Errorf("%q: %w", e.Name, ErrNotAFile)
	}
	if e.Size == 0 {
		return nil, nil
	}
	if e.FirstCluster == 0 {
		return nil, fmt.Errorf("file %q records %d bytes but no first cluster: %w", e.Name, e.Size, ErrBrokenChain)
	}
	chain, err := img.Chain(e.FirstCluster)
	if err != nil {
		return nil, err
	}
	clusterSize := img.Geometry.ClusterSize()
	if int64(len(chain))*clusterSize < int64(e.Size) {
		return nil, fmt.Errorf("file %q records %d bytes but its chain holds only %d: %w",
			e.Name, e.Size, int64(len(chain))*clusterSize, ErrBrokenChain)
	}
	data := make([]byte, int64(len(chain))*clusterSize)
	for i, cluster := range chain {
		if err := img.readCluster(cluster, data[int64(i)*clusterSize:int64(i+1)*clusterSize]); err != nil {
			return nil, err
		}
	}
	return data[:e.Size], nil
}

func (img *Image) readCluster(cluster uint32, buf []byte) error {
	if _, err := img.r.ReadAt(buf, img.Geometry.ClusterOffset(cluster)); err != nil {
		return fmt.Errorf("cannot read cluster %d: %w", cluster, err)
	}
	return nil
}

// decodeDirEntries parses 32 byte directory records up to the
// end-of-directory marker. Deleted records, long name records, the
// volume label, and the synthetic "." and ".." entries are omitted.
func decodeDirEntries(b []byte) []DirEntry {
	var entries []DirEntry
	for off := 0; off+dirEntrySize <= len(b); off += dirEntrySize {
		rec := b[off : off+dirEntrySize]
		if rec[0] == 0 {
			break
		}
		if rec[0] == deletedMarker {
			continue
		}
		raw := decodeEntry(rec)
		if raw.Attr&longNameAttrs == longNameAttrs || raw.Attr&AttrVolumeID != 0 {
			continue
		}
		// Only the full dot names are synthetic entries; a record whose
		// name merely starts with a dot (".HIDDEN") is a regular file.
		if name := string(raw.Name[:]); name == ".          " || name == "..         " {
			continue
		}
		entries = append(entries, DirEntry{
			Name:         formatName(raw.Name),
			Attr:         raw.Attr,
			FirstCluster: raw.firstCluster(),
			Size:         raw.Size,
			raw:          raw.Name,
		})
	}
	return entries
}

// lookup finds the entry whose on-disk name matches name, ignoring case.
func lookup(entries []DirEntry, name string) (DirEntry, bool) {
	for _, e := range entries {
		if e.matches(name) {
			return e, true
		}
	}
	return DirEntry{}, false
}
