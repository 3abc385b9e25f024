package imgfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// blockDevice adapts a block device node to the Target interface. The
// device size is fixed by the hardware, so Truncate checks bounds
// instead of resizing.
type blockDevice struct {
	*os.File
	size int64
}

func openBlockDevice(path string) (Target, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open block device: %w", err)
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot query size of %s: %w", path, err)
	}
	return &blockDevice{File: f, size: int64(size)}, nil
}

// Truncate succeeds as long as the image fits: a FAT volume may occupy
// the leading part of a larger device, but it can never exceed it.
func (d *blockDevice) Truncate(size int64) error {
	if size > d.size {
		return fmt.Errorf("image needs %d bytes, device %s holds %d", size, d.Name(), d.size)
	}
	return nil
}
