package fat

import (
	"fmt"
	"io"
	"strings"
)

const (
	// maxContentPreview is the largest file Examine prints inline.
	maxContentPreview = 200000
	// maxExamineDepth bounds directory recursion so that a corrupt image
	// with a directory loop cannot hang Examine.
	maxExamineDepth = 5
)

// Examine prints the directory tree of the image in r to w: every entry
// with its size and kind, plus a decoded content preview for files small
// enough to be worth inlining. Directory sizes print as 0, matching
// their on-disk records.
func Examine(r io.ReaderAt, w io.Writer) error {
	img, err := Open(r)
	if err != nil {
		return err
	}
	entries, err := img.Root()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := printEntry(w, img, e, ""); err != nil {
			return err
		}
		if e.IsDir() {
			if err := examineDir(w, img, e, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func examineDir(w io.Writer, img *Image, dir DirEntry, depth int) error {
	entries, err := img.ReadDir(dir)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth+1)
	if _, err := fmt.Fprintf(w, "%sContents of %s:\n", indent, dir.Name); err != nil {
		return err
	}
	for _, e := range entries {
		if err := printEntry(w, img, e, indent+"  "); err != nil {
			return err
		}
		if e.IsDir() && depth < maxExamineDepth {
			if err := examineDir(w, img, e, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func printEntry(w io.Writer, img *Image, e DirEntry, indent string) error {
	size, tag := e.Size, "(FILE)"
	if e.IsDir() {
		size, tag = 0, "(DIR)"
	}
	if _, err := fmt.Fprintf(w, "%s%s %d bytes %s\n", indent, e.Name, size, tag); err != nil {
		return err
	}
	if e.IsDir() || e.Size > maxContentPreview {
		return nil
	}
	data, err := img.ReadFile(e)
	if err != nil {
		return err
	}
	if isPrintableASCII(data) {
		_, err = fmt.Fprintf(w, "%s  Content: %q\n", indent, data)
	} else {
		_, err = fmt.Fprintf(w, "%s  Content: %d bytes of binary data\n", indent, len(data))
	}
	return err
}

// isPrintableASCII reports whether data is plain ASCII text: printable
// characters plus newline, carriage return, and tab.
func isPrintableASCII(data []byte) bool {
	for _, b := range data {
		switch {
		case b == '\n' || b == '\r' || b == '\t':
		case b >= 0x20 && b <= 0x7E:
		default:
			return false
		}
	}
	return true
}

// Extract resolves the slash separated path against successive directory
// listings (8.3 matching, case-insensitive) and returns the named file's
// bytes. A path whose final segment names a directory fails with
// ErrNotAFile; any segment that does not resolve fails with ErrNotFound.
func Extract(r io.ReaderAt, path string) ([]byte, error) {
	img, err := Open(r)
	if err != nil {
		return nil, err
	}
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty path %q: %w", path, ErrNotFound)
	}
	entries, err := img.Root()
	if err != nil {
		return nil, err
	}
	for _, segment := range segments[:len(segments)-1] {
		e, ok := lookup(entries, segment)
		if !ok {
			return nil, fmt.Errorf("%q: no entry %q: %w", path, segment, ErrNotFound)
		}
		if !e.IsDir() {
			return nil, fmt.Errorf("%q: %q is not a directory: %w", path, segment, ErrNotFound)
		}
		if entries, err = img.ReadDir(e); err != nil {
			return nil, err
		}
	}
	final := segments[len(segments)-1]
	e, ok := lookup(entries, final)
	if !ok {
		return nil, fmt.Errorf("%q: no entry %q: %w", path, final, ErrNotFound)
	}
	if e.IsDir() {
		return nil, fmt.Errorf("%q names a directory: %w", path, ErrNotAFile)
	}
	return img.ReadFile(e)
}

// splitPath breaks a slash separated image path into its segments,
// dropping empty segments and "." references.
func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s == "" || s == "." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}
