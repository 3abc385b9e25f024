package fat

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfSpace is returned when a build exhausts the data region of
	// its working geometry. It is fatal for the build: cluster numbering
	// must stay consistent, so there is no partial retry.
	ErrOutOfSpace = errors.New("no free clusters left in data region")

	// ErrBrokenChain is returned when a cluster chain leaves the valid
	// cluster window or fails to terminate, which signals a corrupt or
	// foreign image.
	ErrBrokenChain = errors.New("cluster chain does not terminate")

	// ErrNotFound is returned by Extract when a path segment does not
	// resolve to a directory entry.
	ErrNotFound = errors.New("file not found")

	// ErrNotAFile is returned by Extract when the path resolves to a
	// directory instead of a file.
	ErrNotAFile = errors.New("not a file")
)

// A GeometryError reports that a variant cannot represent the requested
// image size within its cluster count constraints.
type GeometryError struct {
	Variant  Variant
	Size     int64
	Clusters uint32
	Reason   string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("unusable %s geometry for %d bytes (%d clusters): %s",
		e.Variant, e.Size, e.Clusters, e.Reason)
}
