package main

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact <data-dir>",
	Short: "Sweep unreferenced blobs and compact the blob sector file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := engine.DefaultOptions(args[0])

		c, err := conglomerate.Open(opts)
		if err != nil {
			return fmt.Errorf("open conglomerate: %w", err)
		}
		defer c.Close()

		moved, err := c.CompactBlobStore()
		if err != nil {
			return fmt.Errorf("compact blob store: %w", err)
		}
		if moved {
			fmt.Println("compacted: sectors were moved")
		} else {
			fmt.Println("compacted: nothing to move")
		}
		return nil
	},
}
