/*
Package mastertable implements the persistent, committed representation
of one physical table, shared across transactions. Each row moves
through a small state machine (uncommitted-added, committed-added,
uncommitted-removed, committed-removed, reclaimable); commit-id stamps
on each row record drive snapshot visibility, and reclaimed slots chain
through the record list's reserved header word.
*/
package mastertable

import "github.com/cuemby/pgstore/pkg/tobject"

// ColumnDef describes one column of a table's schema.
type ColumnDef struct {
	Name     string
	Kind     tobject.Kind
	Nullable bool
}

// DataTableDef is the schema bound to a MasterTable.
type DataTableDef struct {
	SchemaName string
	TableName  string
	Columns    []ColumnDef
}

// ColumnIndex returns the position of name, or -1.
func (d DataTableDef) ColumnIndex(name string) int {
	for i, c := range d.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
