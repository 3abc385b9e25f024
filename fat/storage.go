package fat

import "io"

// Storage is the backing byte store an image is built into. The engine
// never opens or closes it; the handle is owned by the caller. *os.File
// satisfies Storage, as does the in-memory store in the imgfile package.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}

// zeroRange writes n zero bytes at off.
func zeroRange(st Storage, off, n int64) error {
	buf := make([]byte, 64*1024)
	for n > 0 {
		chunk := int64(len(buf))
		if chunk > n {
			chunk = n
		}
		if _, err := st.WriteAt(buf[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}
