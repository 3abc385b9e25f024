package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Fixed identity fields. They never vary between builds so that identical
// mapping lists produce byte-identical images.
var (
	oemName     = [8]byte{'m', 'k', 'i', 'm', 'g', ' ', ' ', ' '}
	volumeLabel = [11]byte{'N', 'O', ' ', 'N', 'A', 'M', 'E', ' ', ' ', ' ', ' '}
)

const volumeID = uint32(0x46575431)

// FSInfo sector signatures ("RRaA", "rrAa", trailing 0x55AA).
const (
	fsInfoLeadSignature   = uint32(0x41615252)
	fsInfoStructSignature = uint32(0x61417272)
	fsInfoTrailSignature  = uint32(0xAA550000)
	freeCountUnknown      = uint32(0xFFFFFFFF)
)

// The builder first derives a directory tree from the mapping list, then
// lays the tree out cluster by cluster.

type treeNode interface {
	nodeName() string
}

type treeFile struct {
	name     string
	hostPath string
}

func (f *treeFile) nodeName() string { return f.name }

type treeDir struct {
	name         string
	parent       *treeDir
	entries      []treeNode
	byName       map[string]treeNode
	firstCluster uint32
}

func (d *treeDir) nodeName() string { return d.name }

func newTreeDir(name string, parent *treeDir) *treeDir {
	return &treeDir{name: name, parent: parent, byName: make(map[string]treeNode)}
}

type builder struct {
	st    Storage
	src   afero.Fs
	g     Geometry
	alloc *Allocator
	table *Table
	root  *treeDir
}

// Build writes a complete image of the given variant and target size into
// st, reading every mapped source file from src. It returns the content
// end: the offset one past the last allocated cluster, which
// ApplyDeceptiveSize takes as its input.
//
// st should be fresh (zero length or zero-filled): the builder zeroes the
// metadata regions it owns, but stale bytes in the data region of a
// recycled store would survive into unallocated clusters.
func Build(st Storage, src afero.Fs, mappings []FileMapping, variant Variant, targetSize int64) (int64, error) {
	g, err := Plan(variant, targetSize)
	if err != nil {
		return 0, err
	}
	b := &builder{
		st:    st,
		src:   src,
		g:     g,
		alloc: NewAllocator(&g),
		table: NewTable(&g),
		root:  newTreeDir("", nil),
	}
	for _, m := range mappings {
		if err := b.addFile(m); err != nil {
			return 0, err
		}
	}
	if err := b.writeImage(); err != nil {
		return 0, err
	}
	return b.g.DataOffset() + int64(b.alloc.Allocated())*b.g.ClusterSize(), nil
}

// dir walks to (creating as needed) the directory at the slash-separated
// path below the root, deduplicating prefixes shared by multiple
// mappings.
func (b *builder) dir(dirPath string) (*treeDir, error) {
	cur := b.root
	for _, component := range strings.Split(dirPath, "/") {
		if component == "" || component == "." {
			continue
		}
		if component == ".." {
			return nil, fmt.Errorf("path %q invalid: component %q escapes the root", dirPath, component)
		}
		key := nameKey(component)
		if _, ok := cur.byName[key]; !ok {
			d := newTreeDir(component, cur)
			cur.entries = append(cur.entries, d)
			cur.byName[key] = d
		}
		next, ok := cur.byName[key].(*treeDir)
		if !ok {
			return nil, fmt.Errorf("path %q invalid: component %q identifies a file", dirPath, component)
		}
		cur = next
	}
	return cur, nil
}

func (b *builder) addFile(m FileMapping) error {
	clean := path.Clean(m.ImagePath)
	if clean == "." || clean == "/" || clean == ".." || strings.HasSuffix(m.ImagePath, "/") {
		return fmt.Errorf("image path %q does not name a file", m.ImagePath)
	}
	d, err := b.dir(path.Dir(clean))
	if err != nil {
		return err
	}
	name := path.Base(clean)
	key := nameKey(name)
	if existing, ok := d.byName[key]; ok {
		return fmt.Errorf("image path %q already exists in the image as %q", m.ImagePath, existing.nodeName())
	}
	f := &treeFile{name: name, hostPath: m.HostPath}
	d.entries = append(d.entries, f)
	d.byName[key] = f
	return nil
}

func (b *builder) writeImage() error {
	// Metadata regions are zeroed explicitly so recycled storage cannot
	// leak stale FAT or directory bytes into the build.
	if err := zeroRange(b.st, 0, b.g.DataOffset()); err != nil {
		return fmt.Errorf("cannot zero metadata regions: %w", err)
	}
	if err := b.writeBootSectors(); err != nil {
		return err
	}

	var root *dirWriter
	if b.g.Variant == Fat32 {
		// The root directory chain must start at the cluster the boot
		// sector advertises, so it is allocated before anything else.
		first, err := b.alloc.Allocate(1)
		if err != nil {
			return err
		}
		b.table.LinkChain(first, 1)
		b.root.firstCluster = first
		if root, err = b.newChainDir(first); err != nil {
			return err
		}
	} else {
		root = b.newFixedDir(b.g.RootDirOffset(), int(b.g.RootEntryCount))
	}
	if err := b.writeDir(root, b.root); err != nil {
		return err
	}

	if err := b.writeFATs(); err != nil {
		return err
	}
	if b.g.Variant == Fat32 {
		if err := b.writeFSInfos(); err != nil {
			return err
		}
	}
	if err := b.st.Truncate(b.g.TotalBytes()); err != nil {
		return fmt.Errorf("cannot extend image to %d bytes: %w", b.g.TotalBytes(), err)
	}
	return nil
}

// writeDir lays out one directory's entries, descending into
// subdirectories as their entries are appended. A subdirectory's first
// cluster is allocated the moment its record lands in the parent, so
// parent records never need fixing up afterwards.
func (b *builder) writeDir(dw *dirWriter, d *treeDir) error {
	for _, node := range d.entries {
		switch c := node.(type) {
		case *treeFile:
			if err := b.writeFile(dw, c); err != nil {
				return err
			}
		case *treeDir:
			first, err := b.alloc.Allocate(1)
			if err != nil {
				return fmt.Errorf("directory %q: %w", c.name, err)
			}
			b.table.LinkChain(first, 1)
			c.firstCluster = first
			if err := dw.append(newRawEntry(c.name, AttrDirectory, first, 0)); err != nil {
				return err
			}
			sub, err := b.newChainDir(first)
			if err != nil {
				return err
			}
			// ".." refers to cluster 0 when the parent is the root, per
			// FAT convention, even though the FAT32 root chain really
			// starts at cluster 2.
			parentCluster := d.firstCluster
			if d.parent == nil {
				parentCluster = 0
			}
			if err := sub.append(dotEntry(".", first)); err != nil {
				return err
			}
			if err := sub.append(dotEntry("..", parentCluster)); err != nil {
				return err
			}
			if err := b.writeDir(sub, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) writeFile(dw *dirWriter, f *treeFile) error {
	data, err := afero.ReadFile(b.src, f.hostPath)
	if err != nil {
		return fmt.Errorf("cannot read source for %q: %w", f.name, err)
	}
	var first uint32
	if len(data) > 0 {
		clusters := uint32((int64(len(data)) + b.g.ClusterSize() - 1) / b.g.ClusterSize())
		if first, err = b.alloc.Allocate(clusters); err != nil {
			return fmt.Errorf("file %q: %w", f.name, err)
		}
		b.table.LinkChain(first, clusters)
		if err := b.writeClusters(first, data); err != nil {
			return err
		}
	}
	return dw.append(newRawEntry(f.name, AttrArchive, first, uint32(len(data))))
}

// writeClusters writes data into the contiguous run starting at first and
// zero-pads the final cluster's tail.
func (b *builder) writeClusters(first uint32, data []byte) error {
	off := b.g.ClusterOffset(first)
	if _, err := b.st.WriteAt(data, off); err != nil {
		return fmt.Errorf("cannot write file data: %w", err)
	}
	if rem := int64(len(data)) % b.g.ClusterSize(); rem != 0 {
		if err := zeroRange(b.st, off+int64(len(data)), b.g.ClusterSize()-rem); err != nil {
			return fmt.Errorf("cannot pad final cluster: %w", err)
		}
	}
	return nil
}

func (b *builder) zeroCluster(cluster uint32) error {
	return zeroRange(b.st, b.g.ClusterOffset(cluster), b.g.ClusterSize())
}

// A dirWriter appends 32 byte records to a directory region. The FAT16
// root is a fixed region with a hard entry capacity; every other
// directory is a cluster chain that grows by one cluster whenever the
// entry count crosses the per-cluster capacity.
type dirWriter struct {
	b *builder

	// fixed region (FAT16 root)
	off      int64
	capacity int

	// cluster chain
	clusters []uint32

	n int // records appended
}

func (b *builder) newFixedDir(off int64, capacity int) *dirWriter {
	return &dirWriter{b: b, off: off, capacity: capacity}
}

func (b *builder) newChainDir(first uint32) (*dirWriter, error) {
	// Zeroing the cluster up front keeps the end-of-directory marker
	// intact no matter how few entries follow.
	if err := b.zeroCluster(first); err != nil {
		return nil, err
	}
	return &dirWriter{b: b, clusters: []uint32{first}}, nil
}

func (dw *dirWriter) append(e rawEntry) error {
	if dw.clusters == nil {
		if dw.n >= dw.capacity {
			return fmt.Errorf("root directory full (%d entries)", dw.capacity)
		}
		if _, err := dw.b.st.WriteAt(e.bytes(), dw.off+int64(dw.n)*dirEntrySize); err != nil {
			return fmt.Errorf("cannot write root directory entry: %w", err)
		}
		dw.n++
		return nil
	}
	perCluster := int(dw.b.g.ClusterSize() / dirEntrySize)
	if dw.n == len(dw.clusters)*perCluster {
		next, err := dw.b.alloc.Allocate(1)
		if err != nil {
			return fmt.Errorf("growing directory: %w", err)
		}
		if err := dw.b.zeroCluster(next); err != nil {
			return err
		}
		dw.b.table.Extend(dw.clusters[len(dw.clusters)-1], next)
		dw.clusters = append(dw.clusters, next)
	}
	cluster := dw.clusters[dw.n/perCluster]
	off := dw.b.g.ClusterOffset(cluster) + int64(dw.n%perCluster)*dirEntrySize
	if _, err := dw.b.st.WriteAt(e.bytes(), off); err != nil {
		return fmt.Errorf("cannot write directory entry: %w", err)
	}
	dw.n++
	return nil
}

// writeBootSectors writes the boot sector to sector 0 and, for FAT32, the
// backup copy the boot sector advertises.
func (b *builder) writeBootSectors() error {
	var buf bytes.Buffer
	if err := b.encodeBootSector(&buf); err != nil {
		return err
	}
	if _, err := b.st.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("cannot write boot sector: %w", err)
	}
	if b.g.Variant == Fat32 && b.g.BackupBoot != 0 {
		off := int64(b.g.BackupBoot) * int64(b.g.BytesPerSector)
		if _, err := b.st.WriteAt(buf.Bytes(), off); err != nil {
			return fmt.Errorf("cannot write backup boot sector: %w", err)
		}
	}
	return nil
}

func (b *builder) encodeBootSector(w io.Writer) error {
	g := &b.g

	jump := [3]byte{0xEB, 0x3C, 0x90}
	fatSize16 := uint16(g.FATSectors)
	bootCode := 448
	var fsType [8]byte
	copy(fsType[:], "FAT16   ")
	if g.Variant == Fat32 {
		jump = [3]byte{0xEB, 0x58, 0x90}
		fatSize16 = 0
		bootCode = 420
		copy(fsType[:], "FAT32   ")
	}

	// The 16 bit total only fits small volumes; FAT32 always uses the 32
	// bit field.
	var totalSectors16 uint16
	totalSectors32 := g.TotalSectors
	if g.Variant == Fat16 && g.TotalSectors < 0x10000 {
		totalSectors16 = uint16(g.TotalSectors)
		totalSectors32 = 0
	}

	fields := []interface{}{
		jump,                // x86 jump instruction
		oemName,             // OEM
		g.BytesPerSector,    // in bytes
		g.SectorsPerCluster, // i.e. each FAT entry covers this many sectors
		g.ReservedSectors,   // reserved sectors, including this one
		g.NumFATs,           // identical copies of the FAT
		g.RootEntryCount,    // FAT16 fixed root capacity, 0 for FAT32
		totalSectors16,      // 0 = use the 32 bit field below
		g.Media,             // media descriptor
		fatSize16,           // sectors per FAT, 0 for FAT32
		uint16(32),          // (only for bootcode) sectors per track
		uint16(4),           // (only for bootcode) number of heads
		uint32(0),           // no hidden sectors
		totalSectors32,
	}
	if g.Variant == Fat32 {
		fields = append(fields,
			g.FATSectors,   // sectors per FAT
			uint16(0),      // extended flags: FAT mirroring active
			uint16(0),      // file system version 0.0
			g.RootCluster,  // first cluster of the root directory chain
			g.FSInfoSector, // FSInfo sector number
			g.BackupBoot,   // backup boot sector number
			[12]byte{},     // reserved
		)
	}
	fields = append(fields,
		uint8(0x80), // (only for bootcode) drive number
		uint8(0),    // reserved
		uint8(0x29), // magic value: extended boot signature
		volumeID,    // fixed so identical builds stay byte-identical
		volumeLabel,
		fsType,
	)
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := w.Write(make([]byte, bootCode)); err != nil {
		return err
	}
	_, err := w.Write([]byte{0x55, 0xAA})
	return err
}

func (b *builder) writeFATs() error {
	serialized := b.table.Bytes()
	for i := 0; i < int(b.g.NumFATs); i++ {
		if _, err := b.st.WriteAt(serialized, b.g.FATOffset(i)); err != nil {
			return fmt.Errorf("cannot write FAT copy %d: %w", i, err)
		}
	}
	return nil
}

// writeFSInfos writes the FSInfo sector and its backup. It runs after the
// data walk so the free cluster hint reflects the build.
func (b *builder) writeFSInfos() error {
	free := b.g.ClusterCount() - b.alloc.Allocated()
	nextFree := 2 + b.alloc.Allocated()
	if nextFree > b.g.MaxCluster() {
		nextFree = freeCountUnknown
	}

	var buf bytes.Buffer
	for _, v := range []interface{}{
		fsInfoLeadSignature,
		[480]byte{},
		fsInfoStructSignature,
		free,     // free cluster count hint
		nextFree, // where to start searching for free clusters
		[12]byte{},
		fsInfoTrailSignature,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, sector := range []uint16{b.g.FSInfoSector, b.g.BackupBoot + 1} {
		off := int64(sector) * int64(b.g.BytesPerSector)
		if _, err := b.st.WriteAt(buf.Bytes(), off); err != nil {
			return fmt.Errorf("cannot write FSInfo sector %d: %w", sector, err)
		}
	}
	return nil
}
