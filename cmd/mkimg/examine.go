package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fwtest/mkimg/fat"
	"github.com/fwtest/mkimg/imgfile"
)

func examineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "examine IMAGE",
		Short: "print the directory tree and file contents of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := imgfile.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			return fat.Examine(r, os.Stdout)
		},
	}
}
