// Package filemap derives image file mappings from a host directory
// tree.
package filemap

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/fwtest/mkimg/fat"
)

// Scan walks the directory tree below root and returns one mapping per
// regular file, in deterministic (lexical) walk order. Directories never
// produce mappings; the image builder infers them from path prefixes, so
// empty directories do not appear in the image.
//
// With excludeRoot, image paths are relative to root itself: root/sub/f
// maps to sub/f. Without it, the root directory's name leads every image
// path: root/sub/f maps to root/sub/f even when root was given as a
// longer path.
func Scan(fsys afero.Fs, root string, excludeRoot bool) ([]fat.FileMapping, error) {
	info, err := fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s must be a directory", root)
	}

	clean := filepath.Clean(root)
	base := filepath.Base(clean)
	var mappings []fat.FileMapping
	walk := func(hostPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(clean, hostPath)
		if err != nil {
			return err
		}
		imagePath := filepath.ToSlash(rel)
		if !excludeRoot {
			imagePath = path.Join(base, imagePath)
		}
		mappings = append(mappings, fat.FileMapping{HostPath: hostPath, ImagePath: imagePath})
		return nil
	}
	if err := afero.Walk(fsys, clean, walk); err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", root, err)
	}
	return mappings, nil
}
