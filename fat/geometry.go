package fat

import "fmt"

const (
	sectorSize = 512

	// dirEntrySize is the fixed length of one 8.3 directory record.
	dirEntrySize = 32

	// hardDisk is the media descriptor for a hard disk (as opposed to floppy).
	hardDisk = uint8(0xF8)

	// DefaultPlainSize is the fixed footprint of a plain FAT16 image.
	DefaultPlainSize = 6 * 1024 * 1024

	// DefaultWorkingSize is the size deceptive FAT32 images are built at
	// before ApplyDeceptiveSize shrinks them to their content. It must
	// exceed any content a build will hold so that allocation never fails.
	DefaultWorkingSize = 32 * 1024 * 1024
)

// FAT16 cluster counts live in [fat16MinClusters, fat16MaxClusters]: fewer
// clusters would make the volume FAT12 by the determination rule, more
// would overflow 16 bit FAT entries.
const (
	fat16MinClusters = 4085
	fat16MaxClusters = 65524
	fat32MaxClusters = 0x0FFFFFF4
)

// Variant selects between the two supported file system flavors.
type Variant uint8

const (
	// Fat16 is the plain variant: fixed root directory region, 16 bit FAT
	// entries.
	Fat16 Variant = iota + 1
	// Fat32 is the variant deceptive images use: chained root directory,
	// 32 bit FAT entries, extended boot record with FSInfo and a backup
	// boot sector.
	Fat32
)

func (v Variant) String() string {
	switch v {
	case Fat16:
		return "FAT16"
	case Fat32:
		return "FAT32"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

// Geometry describes where every on-disk region of an image lives. All
// offsets derive from the boot parameter block fields, so a Geometry can
// be planned for a build or recovered from an existing boot sector.
type Geometry struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16 // FAT16 fixed root capacity; 0 for FAT32
	TotalSectors      uint32
	FATSectors        uint32 // size of one FAT copy
	Media             uint8
	Variant           Variant

	// FAT32 extended fields.
	RootCluster  uint32
	FSInfoSector uint16
	BackupBoot   uint16
}

// ClusterSize returns the allocation unit in bytes.
func (g *Geometry) ClusterSize() int64 {
	return int64(g.BytesPerSector) * int64(g.SectorsPerCluster)
}

func (g *Geometry) rootDirSectors() uint32 {
	bps := uint32(g.BytesPerSector)
	return (uint32(g.RootEntryCount)*dirEntrySize + bps - 1) / bps
}

// FATOffset returns the byte offset of the n-th FAT copy.
func (g *Geometry) FATOffset(n int) int64 {
	return (int64(g.ReservedSectors) + int64(n)*int64(g.FATSectors)) * int64(g.BytesPerSector)
}

// RootDirOffset returns the byte offset of the fixed FAT16 root directory
// region, which immediately follows the FAT copies.
func (g *Geometry) RootDirOffset() int64 {
	return g.FATOffset(int(g.NumFATs))
}

// DataOffset returns the byte offset of cluster 2, the first data cluster.
func (g *Geometry) DataOffset() int64 {
	return g.RootDirOffset() + int64(g.rootDirSectors())*int64(g.BytesPerSector)
}

// ClusterCount returns the number of usable data clusters.
func (g *Geometry) ClusterCount() uint32 {
	dataSectors := g.TotalSectors - uint32(g.ReservedSectors) -
		uint32(g.NumFATs)*g.FATSectors - g.rootDirSectors()
	return dataSectors / uint32(g.SectorsPerCluster)
}

// MaxCluster returns the highest valid cluster number. Clusters are
// numbered starting at 2.
func (g *Geometry) MaxCluster() uint32 {
	return g.ClusterCount() + 1
}

// ClusterOffset returns the byte offset of a data cluster.
func (g *Geometry) ClusterOffset(cluster uint32) int64 {
	return g.DataOffset() + int64(cluster-2)*g.ClusterSize()
}

// TotalBytes returns the full declared image size.
func (g *Geometry) TotalBytes() int64 {
	return int64(g.TotalSectors) * int64(g.BytesPerSector)
}

// Plan computes the geometry for a new image of the given variant and
// target size. It is a pure function: identical inputs yield identical
// geometry, which in turn keeps builds byte for byte reproducible.
func Plan(variant Variant, targetSize int64) (Geometry, error) {
	if targetSize <= 0 || targetSize%sectorSize != 0 {
		return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
			Reason: "size must be a positive multiple of 512 bytes"}
	}
	if targetSize/sectorSize > 0xFFFFFFFF {
		return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
			Reason: "sector count does not fit in 32 bits"}
	}

	g := Geometry{
		BytesPerSector: sectorSize,
		NumFATs:        2,
		TotalSectors:   uint32(targetSize / sectorSize),
		Media:          hardDisk,
		Variant:        variant,
	}
	switch variant {
	case Fat16:
		g.ReservedSectors = 1
		g.RootEntryCount = 512
	case Fat32:
		g.ReservedSectors = 32
		g.RootCluster = 2
		g.FSInfoSector = 1
		g.BackupBoot = 6
	default:
		return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
			Reason: "unknown variant"}
	}
	if g.TotalSectors < uint32(g.ReservedSectors)+g.rootDirSectors()+8 {
		return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
			Reason: "size does not cover the reserved regions"}
	}

	// Grow the cluster size until the cluster count fits the variant's
	// entry width.
	for spc := uint32(1); spc <= 128; spc *= 2 {
		g.SectorsPerCluster = uint8(spc)
		g.FATSectors = estimateFATSectors(&g)
		overhead := uint32(g.ReservedSectors) + uint32(g.NumFATs)*g.FATSectors + g.rootDirSectors()
		if g.TotalSectors < overhead+spc {
			return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
				Reason: "size does not cover the reserved regions plus one cluster"}
		}
		count := g.ClusterCount()
		if variant == Fat16 {
			if count > fat16MaxClusters {
				continue
			}
			if count < fat16MinClusters {
				return Geometry{}, &GeometryError{Variant: variant, Size: targetSize, Clusters: count,
					Reason: "cluster count below the FAT16 minimum (FAT12 territory)"}
			}
			return g, nil
		}
		if count > fat32MaxClusters {
			continue
		}
		return g, nil
	}
	return Geometry{}, &GeometryError{Variant: variant, Size: targetSize,
		Reason: "cluster count overflows the FAT entry width"}
}

// estimateFATSectors implements the FAT size estimation from the Microsoft
// FAT specification. It can overshoot by a few sectors, never undershoot.
// The intermediate sums exceed 32 bits for terabyte scale sizes.
func estimateFATSectors(g *Geometry) uint32 {
	tmp1 := uint64(g.TotalSectors) - uint64(g.ReservedSectors) - uint64(g.rootDirSectors())
	tmp2 := 256*uint64(g.SectorsPerCluster) + uint64(g.NumFATs)
	if g.Variant == Fat32 {
		tmp2 /= 2
	}
	return uint32((tmp1 + tmp2 - 1) / tmp2)
}
