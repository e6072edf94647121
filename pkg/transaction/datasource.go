package transaction

import (
	"github.com/cuemby/pgstore/pkg/indexset"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
)

// MutableTableDataSource is one table's working view within a
// Transaction: the shared committed MasterTable plus a private
// copy-on-write IndexSet and the rows this transaction has locally
// added or removed but not yet committed.
type MutableTableDataSource struct {
	id    int64
	name  string
	table *mastertable.MasterTable
	index *indexset.IndexSet
	tx    *Transaction

	localAdded   map[int64]bool
	localRemoved map[int64]bool
}

func newDataSource(id int64, name string, table *mastertable.MasterTable, index *indexset.IndexSet, tx *Transaction) *MutableTableDataSource {
	return &MutableTableDataSource{
		id:           id,
		name:         name,
		table:        table,
		index:        index,
		tx:           tx,
		localAdded:   make(map[int64]bool),
		localRemoved: make(map[int64]bool),
	}
}

// ID returns the table id.
func (d *MutableTableDataSource) ID() int64 { return d.id }

// Name returns the table's current name within this transaction.
func (d *MutableTableDataSource) Name() string { return d.name }

// Def returns the table's schema.
func (d *MutableTableDataSource) Def() mastertable.DataTableDef { return d.table.Def() }

// AddRow writes a new row and stages it into the journal and this
// transaction's private index; it is visible to this transaction
// immediately and to others only after commit.
func (d *MutableTableDataSource) AddRow(cells []tobject.TObject) (int64, error) {
	row, err := d.table.AddRow(cells)
	if err != nil {
		return 0, err
	}
	for col := range d.Def().Columns {
		if col < len(cells) && !cells[col].IsNull() {
			d.index.Insert(col, cells[col], row)
		}
	}
	d.localAdded[row] = true
	d.tx.journal.AddRow(d.id, row)
	d.tx.markTouched(d.id)
	return row, nil
}

// DeleteRow stages row for removal.
func (d *MutableTableDataSource) DeleteRow(row int64) error {
	if err := d.table.DeleteRow(row); err != nil {
		return err
	}
	cells, err := d.table.GetRow(row)
	if err != nil {
		return err
	}
	for col := range d.Def().Columns {
		if col < len(cells) && !cells[col].IsNull() {
			d.index.Remove(col, cells[col], row)
		}
	}
	if d.localAdded[row] {
		delete(d.localAdded, row)
	} else {
		d.localRemoved[row] = true
	}
	d.tx.journal.RemoveRow(d.id, row)
	d.tx.markTouched(d.id)
	return nil
}

// GetCell reads one cell of row, visible whether row is committed or
// only locally added by this transaction.
func (d *MutableTableDataSource) GetCell(col int, row int64) (tobject.TObject, error) {
	return d.table.GetCell(col, row)
}

// GetRow reads every cell of row.
func (d *MutableTableDataSource) GetRow(row int64) ([]tobject.TObject, error) {
	return d.table.GetRow(row)
}

// RowEnumeration returns every row visible to this transaction: rows
// committed at or before the transaction's start commit id, plus rows
// this transaction added locally, minus rows it removed locally.
func (d *MutableTableDataSource) RowEnumeration() ([]int64, error) {
	base, err := d.table.RowEnumeration(d.tx.startCommitID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(base))
	var out []int64
	for _, row := range base {
		if d.localRemoved[row] {
			continue
		}
		seen[row] = true
		out = append(out, row)
	}
	for row := range d.localAdded {
		if !seen[row] {
			out = append(out, row)
		}
	}
	return out, nil
}

// SelectEqual/SelectRange/SelectLast query this transaction's private
// index snapshot.
func (d *MutableTableDataSource) SelectEqual(col int, value tobject.TObject) []int64 {
	return d.index.SelectEqual(col, value)
}

func (d *MutableTableDataSource) SelectRange(col int, lo, hi tobject.TObject) []int64 {
	return d.index.SelectRange(col, lo, hi)
}

func (d *MutableTableDataSource) SelectLast(col int) []int64 {
	return d.index.SelectLast(col)
}

// MasterTable exposes the underlying shared table, for the committer
// and for constraint checks that need direct access.
func (d *MutableTableDataSource) MasterTable() *mastertable.MasterTable { return d.table }
