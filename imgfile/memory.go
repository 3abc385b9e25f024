package imgfile

import (
	"errors"
	"io"
)

// Memory is an in-memory build target. The zero value is empty and ready
// to use; writes beyond the end grow the buffer. It backs compressed
// builds, where the finished image is packed rather than written in
// place.
type Memory struct {
	buf []byte
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Truncate(size int64) error {
	if size < 0 {
		return errors.New("negative size")
	}
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns the current image content. The slice aliases the
// buffer; it stays valid only until the next write.
func (m *Memory) Bytes() []byte { return m.buf }

// Len returns the current image length in bytes.
func (m *Memory) Len() int { return len(m.buf) }
