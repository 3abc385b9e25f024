package fat

import "github.com/spf13/afero"

// A FileMapping names one source file and its destination inside the
// image. HostPath is resolved against the build's source file system;
// ImagePath is forward-slash separated, case as given. Directories never
// get mappings of their own: the builder infers them from path prefixes.
type FileMapping struct {
	HostPath  string
	ImagePath string
}

// Create builds a plain FAT16 image of DefaultPlainSize into st, reading
// every mapped source file from src.
func Create(st Storage, src afero.Fs, mappings []FileMapping) error {
	_, err := Build(st, src, mappings, Fat16, DefaultPlainSize)
	return err
}

// CreateDeceptive builds a FAT32 image of DefaultWorkingSize into st and
// then applies the size deception: afterwards the boot sector declares
// 1.5x the actual content size while st is truncated to the content.
// Firmware that trusts the declared size will read past the end of the
// file; firmware that stops at end-of-file sees a complete, valid file
// system for the content that exists.
func CreateDeceptive(st Storage, src afero.Fs, mappings []FileMapping) error {
	contentEnd, err := Build(st, src, mappings, Fat32, DefaultWorkingSize)
	if err != nil {
		return err
	}
	return ApplyDeceptiveSize(st, contentEnd)
}
