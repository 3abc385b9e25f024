package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fwtest/mkimg/fat"
	"github.com/fwtest/mkimg/imgfile"
)

func extractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "extract IMAGE IMAGE_PATH OUTPUT",
		Short: "copy one file out of an image",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			r, err := imgfile.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			data, err := fat.Extract(r, args[1])
			if err != nil {
				return err
			}
			return os.WriteFile(args[2], data, 0644)
		},
	}
}
