package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/fwtest/mkimg/fat"
	"github.com/fwtest/mkimg/filemap"
	"github.com/fwtest/mkimg/humanize"
	"github.com/fwtest/mkimg/imgfile"
	"github.com/fwtest/mkimg/sizeflag"
)

func createCommand() *cobra.Command {
	var (
		rootDir     string
		plain       bool
		excludeRoot bool
		maps        []string
		zstdOut     bool
	)

	cmd := &cobra.Command{
		Use:   "create [OUTPUT]",
		Short: "build a FAT image from a directory tree",
		Long: `Build a FAT image from a directory tree and explicit HOST:IMG
mappings. The default form is a deceptive FAT32 image whose boot sector
declares 1.5x the actual file size; --plain selects an honest FAT16
image instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if rootDir == "" && len(maps) == 0 {
				return fmt.Errorf("nothing to build: need --root and/or --map")
			}

			var mappings []fat.FileMapping
			if rootDir != "" {
				var err error
				mappings, err = filemap.Scan(afero.NewOsFs(), rootDir, excludeRoot)
				if err != nil {
					return err
				}
			}
			for _, m := range maps {
				host, img, ok := strings.Cut(m, ":")
				if !ok || host == "" || img == "" {
					return fmt.Errorf("malformed --map %q, expected HOST:IMG", m)
				}
				mappings = append(mappings, fat.FileMapping{HostPath: host, ImagePath: img})
			}

			output := "deceptive.img"
			if plain {
				output = "disk.img"
			}
			if len(args) == 1 {
				output = args[0]
			}

			variant := fat.Fat32
			size, err := sizeflag.Working()
			if plain {
				variant = fat.Fat16
				size, err = sizeflag.Plain()
			}
			if err != nil {
				return err
			}

			if !plain {
				ok, err := imgfile.IsBlockDevice(output)
				if err != nil {
					return err
				}
				if ok {
					return fmt.Errorf("cannot write a deceptive image to %s: a block device cannot shrink to the content size", output)
				}
			}

			start := time.Now()
			if zstdOut {
				if !strings.HasSuffix(output, imgfile.ZstdSuffix) {
					output += imgfile.ZstdSuffix
				}
				var m imgfile.Memory
				if err := build(&m, mappings, variant, size, plain); err != nil {
					return err
				}
				if err := imgfile.Pack(output, m.Bytes()); err != nil {
					return err
				}
				fi, err := os.Stat(output)
				if err != nil {
					return err
				}
				fmt.Printf("wrote %s: %s (%s uncompressed) in %v\n",
					output,
					humanize.Bytes(uint64(fi.Size())),
					humanize.Bytes(uint64(m.Len())),
					time.Since(start).Round(time.Millisecond))
				return nil
			}

			st, err := imgfile.Create(output)
			if err != nil {
				return err
			}
			if err := build(st, mappings, variant, size, plain); err != nil {
				st.Close()
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
			written := uint64(size)
			if fi, err := os.Stat(output); err == nil && fi.Mode().IsRegular() {
				written = uint64(fi.Size())
			}
			fmt.Printf("wrote %s: %s in %v\n",
				output,
				humanize.Bytes(written),
				time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&rootDir, "root", "", "directory tree to copy into the image")
	cmd.Flags().BoolVar(&plain, "plain", false, "build an honest FAT16 image instead of the deceptive FAT32 form")
	cmd.Flags().BoolVar(&excludeRoot, "exclude-root", false, "map the contents of --root instead of the directory itself")
	cmd.Flags().StringArrayVar(&maps, "map", nil, "extra HOST:IMG mapping (repeatable)")
	cmd.Flags().BoolVar(&zstdOut, "zstd", false, "compress the image into OUTPUT"+imgfile.ZstdSuffix)
	return cmd
}

func build(st fat.Storage, mappings []fat.FileMapping, variant fat.Variant, size int64, plain bool) error {
	contentEnd, err := fat.Build(st, afero.NewOsFs(), mappings, variant, size)
	if err != nil {
		return err
	}
	if plain {
		return nil
	}
	return fat.ApplyDeceptiveSize(st, contentEnd)
}
