package main

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <data-dir>",
	Short: "Print commit id, open-transaction count, and visible table count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		readOnly, _ := cmd.Flags().GetBool("read-only")
		opts := engine.DefaultOptions(args[0])
		opts.ReadOnly = readOnly

		c, err := conglomerate.Open(opts)
		if err != nil {
			return fmt.Errorf("open conglomerate: %w", err)
		}
		defer c.Close()

		fmt.Printf("data dir:          %s\n", args[0])
		fmt.Printf("commit id:         %d\n", c.CommitID())
		fmt.Printf("open transactions: %d\n", c.OpenTransactionCount())
		fmt.Printf("visible tables:    %d\n", len(c.TableNames()))
		return nil
	},
}

func init() {
	infoCmd.Flags().Bool("read-only", true, "open without acquiring the process-exclusive write lock")
}
