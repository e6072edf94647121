package main

import (
	"fmt"
	"strings"

	"github.com/cuemby/pgstore/pkg/conglomerate"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/spf13/cobra"
)

var createTableCmd = &cobra.Command{
	Use:   "create-table <data-dir> <schema.table>",
	Short: "Create a table from --column name:kind[:null] flags and commit",
	Long: `Creates a table with the given name and commits immediately.

Example:
  pgstore create-table ./data public.customer \
    --column id:int64 --column name:string:null`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		columnFlags, _ := cmd.Flags().GetStringArray("column")
		dataSectorSize, _ := cmd.Flags().GetInt("data-sector-size")
		indexSectorSize, _ := cmd.Flags().GetInt("index-sector-size")

		schema, table, ok := strings.Cut(args[1], ".")
		if !ok {
			return fmt.Errorf("table name must be schema.table, got %q", args[1])
		}

		cols := make([]mastertable.ColumnDef, 0, len(columnFlags))
		for _, spec := range columnFlags {
			col, err := parseColumnSpec(spec)
			if err != nil {
				return err
			}
			cols = append(cols, col)
		}
		if len(cols) == 0 {
			return fmt.Errorf("at least one --column is required")
		}

		opts := engine.DefaultOptions(args[0])
		c, err := conglomerate.Open(opts)
		if err != nil {
			return fmt.Errorf("open conglomerate: %w", err)
		}
		defer c.Close()

		tx := c.Begin()
		def := mastertable.DataTableDef{SchemaName: schema, TableName: table, Columns: cols}
		if _, err := tx.CreateTable(args[1], def, dataSectorSize, indexSectorSize); err != nil {
			tx.CloseAndRollback()
			return fmt.Errorf("create table: %w", err)
		}
		if err := tx.CloseAndCommit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		fmt.Printf("created %s (%d columns)\n", args[1], len(cols))
		return nil
	},
}

func init() {
	createTableCmd.Flags().StringArray("column", nil, "name:kind[:null], repeatable (kind: bool, int64, numeric, string, date, binary, object)")
	createTableCmd.Flags().Int("data-sector-size", engine.DefaultSectorSize, "data sector size in bytes [27,4096]")
	createTableCmd.Flags().Int("index-sector-size", engine.DefaultSectorSize, "index sector size in bytes [27,4096]")
}

func parseColumnSpec(spec string) (mastertable.ColumnDef, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return mastertable.ColumnDef{}, fmt.Errorf("invalid --column %q: want name:kind[:null]", spec)
	}
	kind, err := parseKind(parts[1])
	if err != nil {
		return mastertable.ColumnDef{}, fmt.Errorf("invalid --column %q: %w", spec, err)
	}
	nullable := len(parts) > 2 && parts[2] == "null"
	return mastertable.ColumnDef{Name: parts[0], Kind: kind, Nullable: nullable}, nil
}

func parseKind(s string) (tobject.Kind, error) {
	switch strings.ToLower(s) {
	case "bool", "boolean":
		return tobject.KindBoolean, nil
	case "int64", "int":
		return tobject.KindInt64, nil
	case "numeric":
		return tobject.KindNumeric, nil
	case "string":
		return tobject.KindString, nil
	case "date":
		return tobject.KindDate, nil
	case "binary":
		return tobject.KindBinary, nil
	case "object":
		return tobject.KindObject, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", s)
	}
}
