package main

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/spf13/cobra"
)

var describeCmd = &cobra.Command{
	Use:   "describe <data-dir> <table>",
	Short: "Print a table's column schema",
	Args:  cobra.ExactArgs(2),
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

		ds, err := tx.Open(args[1])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[1], err)
		}

		def := ds.Def()
		fmt.Printf("%s.%s\n", def.SchemaName, def.TableName)
		fmt.Printf("%-24s %-12s %s\n", "COLUMN", "KIND", "NULLABLE")
		for _, col := range def.Columns {
			fmt.Printf("%-24s %-12s %v\n", col.Name, col.Kind, col.Nullable)
		}
		return nil
	},
}
