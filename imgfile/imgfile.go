// Package imgfile handles the byte containers disk images live in:
// regular files, block devices, in-memory buffers, and zstd-compressed
// archives.
package imgfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fwtest/mkimg/fat"
)

// ZstdSuffix marks compressed image containers. Open decompresses them
// transparently; Pack produces them.
const ZstdSuffix = ".zst"

// A Target is a writable build destination: the storage the image engine
// needs plus a Close. *os.File satisfies it directly; block devices and
// in-memory buffers are wrapped to match.
type Target interface {
	fat.Storage
	io.Closer
}

// Create opens path as a build target. A regular file is created (or
// truncated); a block device node is opened in place with its size fixed
// by the hardware.
func Create(path string) (Target, error) {
	if ok, err := IsBlockDevice(path); err == nil && ok {
		return openBlockDevice(path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot create image file: %w", err)
	}
	return f, nil
}

// IsBlockDevice reports whether path names an existing block device
// node. A path that does not exist is not a block device.
func IsBlockDevice(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	mode := info.Mode()
	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0, nil
}

// A Reader provides random access to an existing image container.
type Reader struct {
	ra     io.ReaderAt
	closer io.Closer
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.ra.ReadAt(p, off)
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Open opens an image for reading. Containers named with ZstdSuffix are
// decompressed into memory; anything else is read in place, so a
// deceptive image's missing tail only surfaces on reads that chase it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open image: %w", err)
	}
	if !strings.HasSuffix(path, ZstdSuffix) {
		return &Reader{ra: f, closer: f}, nil
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress %s: %w", path, err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("cannot decompress %s: %w", path, err)
	}
	return &Reader{ra: bytes.NewReader(data)}, nil
}

// Pack writes data to path as a zstd archive.
func Pack(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("cannot create archive: %w", err)
	}
	wr, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return err
	}
	if _, err := wr.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("cannot compress image: %w", err)
	}
	if err := wr.Close(); err != nil {
		f.Close()
		return fmt.Errorf("cannot compress image: %w", err)
	}
	return f.Close()
}
