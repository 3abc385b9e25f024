//go:build !linux

package imgfile

import "fmt"

func openBlockDevice(path string) (Target, error) {
	return nil, fmt.Errorf("cannot write image to block device %s: only supported on Linux", path)
}
