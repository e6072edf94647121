package main

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/spf13/cobra"
)

var tablesCmd = &cobra.Command{
	Use:   "tables <data-dir>",
	Short: "List visible tables and their live row counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := engine.DefaultOptions(args[0])
		opts.ReadOnly = true

		c, err := conglomerate.Open(opts)
		if err != nil {
			return fmt.Errorf("open conglomerate: %w", err)
		}
		defer c.Close()

		tx := c.Begin()
		defer tx.CloseAndRollback()

		names := c.TableNames()
		fmt.Printf("%-32s %8s %s\n", "TABLE", "ROWS", "COLUMNS")
		for _, name := range names {
			ds, err := tx.Open(name)
			if err != nil {
				return fmt.Errorf("open %s: %w", name, err)
			}
			rows, err := ds.RowEnumeration()
			if err != nil {
				return fmt.Errorf("enumerate %s: %w", name, err)
			}
			fmt.Printf("%-32s %8d %d\n", name, len(rows), len(ds.Def().Columns))
		}
		return nil
	},
}
