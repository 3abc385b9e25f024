// Package fat implements building and parsing FAT16/FAT32 file system
// images, which is useful for firmware test infrastructure that needs
// throwaway boot media. Besides plain images it can produce deceptive
// images whose boot sector declares 1.5x the sectors the backing file
// physically holds, to exercise firmware against media that lie about
// their size.
//
// Images use a sector size of 512 bytes. Plain images are FAT16 with a
// fixed 6 MiB footprint; deceptive images are built as 32 MiB FAT32 and
// then shrunk down to their content.
//
// Filenames are restricted to 8 characters + 3 characters for the file
// extension; long VFAT names are not generated.
package fat
