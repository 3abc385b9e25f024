// mkimg builds FAT disk images for firmware test pipelines and inspects
// the results: plain FAT16 images, deceptive FAT32 images whose boot
// sector declares more sectors than the file holds, and the examine and
// extract views over both.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fwtest/mkimg/sizeflag"
)

func main() {
	root := &cobra.Command{
		Use:           "mkimg",
		Short:         "build and inspect FAT images for firmware tests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	sizeflag.RegisterPflags(root.PersistentFlags())
	root.AddCommand(createCommand())
	root.AddCommand(examineCommand())
	root.AddCommand(extractCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
