package fat

import (
	"encoding/binary"
	"fmt"
)

// Boot sector and FSInfo field offsets patched by ApplyDeceptiveSize.
const (
	totalSectors32Off  = 0x20
	fsInfoFreeCountOff = 488
)

// ApplyDeceptiveSize turns a freshly built FAT32 image into a deceptive
// one: the boot sector keeps claiming a volume of roughly 1.5 times the
// occupied content, while the store is truncated to just past the last
// allocated cluster. Firmware that trusts the declared total and reads
// beyond the physical end sees its requests fail, which is the failure
// mode the test images exist to provoke.
//
// contentEnd is the value returned by Build. The declared total always
// exceeds the physical sector count, so all real content stays
// addressable.
func ApplyDeceptiveSize(st Storage, contentEnd int64) error {
	var sector [sectorSize]byte
	if _, err := st.ReadAt(sector[:], 0); err != nil {
		return fmt.Errorf("cannot read boot sector: %w", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return fmt.Errorf("cannot apply deceptive size: missing boot sector signature")
	}
	bps := int64(binary.LittleEndian.Uint16(sector[11:13]))
	if bps == 0 {
		return fmt.Errorf("cannot apply deceptive size: boot sector declares zero bytes per sector")
	}
	// Only FAT32 keeps its total exclusively in the 32 bit field; on
	// FAT16 a small volume's 16 bit total would override the patched
	// value and the deception would not take.
	if binary.LittleEndian.Uint16(sector[22:24]) != 0 {
		return fmt.Errorf("cannot apply deceptive size: not a FAT32 image")
	}

	// Round the physical end up to a whole sector, then declare 1.5
	// times as many sectors as the content occupies.
	physicalSectors := (contentEnd + bps - 1) / bps
	declaredSectors := (3*contentEnd + 2*bps - 1) / (2 * bps)
	if declaredSectors > 0xFFFFFFFF {
		return fmt.Errorf("cannot apply deceptive size: %d sectors exceed the 32 bit total", declaredSectors)
	}

	// The FSInfo free counts are derived from the pre-patch boot sector
	// (the in-use cluster count depends on the original total), so both
	// copies are rewritten before the totals are.
	backup := binary.LittleEndian.Uint16(sector[50:52])
	if fsInfo := binary.LittleEndian.Uint16(sector[48:50]); fsInfo != 0 && fsInfo != 0xFFFF {
		if err := patchFSInfoFreeCount(st, sector[:], fsInfo, bps, uint32(declaredSectors)); err != nil {
			return err
		}
		// The backup region carries its own FSInfo copy in the sector
		// after the backup boot sector.
		if backup != 0 && backup != 0xFFFF {
			if err := patchFSInfoFreeCount(st, sector[:], backup+1, bps, uint32(declaredSectors)); err != nil {
				return err
			}
		}
	}
	if err := patchTotalSectors(st, sector[:], 0, uint32(declaredSectors)); err != nil {
		return err
	}
	// FAT32 keeps a backup boot sector; patch it too so the two copies
	// keep telling the same story.
	if backup != 0 && backup != 0xFFFF {
		if err := patchBackupBootSector(st, backup, bps, uint32(declaredSectors)); err != nil {
			return err
		}
	}

	if err := st.Truncate(physicalSectors * bps); err != nil {
		return fmt.Errorf("cannot truncate image to %d bytes: %w", physicalSectors*bps, err)
	}
	return nil
}

func patchTotalSectors(st Storage, sector []byte, off int64, declared uint32) error {
	binary.LittleEndian.PutUint32(sector[totalSectors32Off:totalSectors32Off+4], declared)
	if _, err := st.WriteAt(sector, off); err != nil {
		return fmt.Errorf("cannot rewrite boot sector: %w", err)
	}
	return nil
}

func patchBackupBootSector(st Storage, backup uint16, bps int64, declared uint32) error {
	off := int64(backup) * bps
	var sector [sectorSize]byte
	if _, err := st.ReadAt(sector[:], off); err != nil {
		return fmt.Errorf("cannot read backup boot sector: %w", err)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		// A missing backup is tolerated: the primary copy is the one
		// firmware reads.
		return nil
	}
	return patchTotalSectors(st, sector[:], off, declared)
}

// patchFSInfoFreeCount recomputes the free cluster hint from the declared
// geometry so the FSInfo sector corroborates the inflated total.
func patchFSInfoFreeCount(st Storage, boot []byte, fsInfoSector uint16, bps int64, declared uint32) error {
	off := int64(fsInfoSector) * bps
	var sector [sectorSize]byte
	if _, err := st.ReadAt(sector[:], off); err != nil {
		return fmt.Errorf("cannot read FSInfo sector: %w", err)
	}
	if binary.LittleEndian.Uint32(sector[0:4]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(sector[484:488]) != fsInfoStructSignature {
		return nil
	}
	free := fakeFSInfoFreeCount(boot, declared)
	current := binary.LittleEndian.Uint32(sector[fsInfoFreeCountOff : fsInfoFreeCountOff+4])
	if current == freeCountUnknown {
		// "Unknown" is always consistent; leave it alone.
		return nil
	}
	used := clustersInUse(boot, current)
	if free > used {
		free -= used
	} else {
		free = 0
	}
	binary.LittleEndian.PutUint32(sector[fsInfoFreeCountOff:fsInfoFreeCountOff+4], free)
	if _, err := st.WriteAt(sector[:], off); err != nil {
		return fmt.Errorf("cannot rewrite FSInfo sector: %w", err)
	}
	return nil
}

// fakeFSInfoFreeCount derives the data cluster count a reader would
// compute from the declared sector total.
func fakeFSInfoFreeCount(boot []byte, declared uint32) uint32 {
	bps := uint32(binary.LittleEndian.Uint16(boot[11:13]))
	spc := uint32(boot[13])
	reserved := uint32(binary.LittleEndian.Uint16(boot[14:16]))
	numFATs := uint32(boot[16])
	fatSectors := binary.LittleEndian.Uint32(boot[36:40])
	if bps == 0 || spc == 0 {
		return 0
	}
	overhead := reserved + numFATs*fatSectors
	if declared <= overhead {
		return 0
	}
	return (declared - overhead) / spc
}

// clustersInUse reverses the build's own FSInfo arithmetic: the original
// free count was ClusterCount minus the allocated clusters.
func clustersInUse(boot []byte, originalFree uint32) uint32 {
	bps := uint32(binary.LittleEndian.Uint16(boot[11:13]))
	spc := uint32(boot[13])
	reserved := uint32(binary.LittleEndian.Uint16(boot[14:16]))
	numFATs := uint32(boot[16])
	fatSectors := binary.LittleEndian.Uint32(boot[36:40])
	total := binary.LittleEndian.Uint32(boot[totalSectors32Off : totalSectors32Off+4])
	if bps == 0 || spc == 0 {
		return 0
	}
	overhead := reserved + numFATs*fatSectors
	if total <= overhead {
		return 0
	}
	count := (total - overhead) / spc
	if originalFree > count {
		return 0
	}
	return count - originalFree
}
