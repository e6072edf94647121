package transaction

import (
	"fmt"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/indexset"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/cuemby/pgstore/pkg/txjournal"
)

// TableRegistry is the conglomerate-side surface a Transaction needs to
// resolve and create tables without importing pkg/conglomerate (which
// imports this package to drive commit/rollback): a narrow seam that
// keeps the dependency a one-way arrow.
//
// LookupTable resolves only committed, visible tables. CreateTable
// allocates a table that stays invisible to every other transaction
// until this transaction commits; the Transaction tracks the name
// itself and performs the duplicate-name checks.
type TableRegistry interface {
	LookupTable(name string) (id int64, table *mastertable.MasterTable, ok bool)
	CreateTable(name string, def mastertable.DataTableDef, dataSectorSize, indexSectorSize int) (id int64, table *mastertable.MasterTable, err error)
}

// Committer runs the commit/rollback protocol against a finished
// Transaction. pkg/conglomerate.Conglomerate implements it.
type Committer interface {
	ProcessCommit(tx *Transaction) error
	ProcessRollback(tx *Transaction)
}

// Transaction is the caller-facing unit of work: one snapshot view, one
// journal, one set of table working sets.
type Transaction struct {
	mu sync.Mutex

	startCommitID int64
	registry      TableRegistry
	committer     Committer

	tables     map[int64]*MutableTableDataSource
	localNames map[string]int64 // tables created by this transaction, invisible to others
	rootLocked map[int64]*mastertable.MasterTable

	journal *txjournal.Journal

	selectedFromTables map[int64]bool
	touchedTables      map[int64]bool
	createdObjects     []string
	droppedObjects     []string

	errorOnDirtySelect bool
	closed             bool
}

// Begin opens a new Transaction at startCommitID, the commit id whose
// snapshot this transaction reads through.
func Begin(startCommitID int64, registry TableRegistry, committer Committer, errorOnDirtySelect bool) *Transaction {
	return &Transaction{
		startCommitID:      startCommitID,
		registry:           registry,
		committer:          committer,
		tables:             make(map[int64]*MutableTableDataSource),
		localNames:         make(map[string]int64),
		rootLocked:         make(map[int64]*mastertable.MasterTable),
		journal:            txjournal.New(),
		selectedFromTables: make(map[int64]bool),
		touchedTables:      make(map[int64]bool),
		errorOnDirtySelect: errorOnDirtySelect,
	}
}

// StartCommitID returns the commit id this transaction's snapshot reads
// through.
func (t *Transaction) StartCommitID() int64 { return t.startCommitID }

// Journal returns the accumulated journal, consulted by the committer
// during process_commit.
func (t *Transaction) Journal() *txjournal.Journal { return t.journal }

// SelectedFromTables returns the table ids read via AddSelectedFromTable.
func (t *Transaction) SelectedFromTables() []int64 {
	return keys(t.selectedFromTables)
}

// TouchedTables returns the table ids modified in this transaction.
func (t *Transaction) TouchedTables() []int64 {
	return keys(t.touchedTables)
}

func keys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ErrorOnDirtySelect reports the dirty-select enforcement mode.
func (t *Transaction) ErrorOnDirtySelect() bool { return t.errorOnDirtySelect }

// CreatedObjectNames/DroppedObjectNames feed the commit protocol's
// namespace-clash check.
func (t *Transaction) CreatedObjectNames() []string { return t.createdObjects }
func (t *Transaction) DroppedObjectNames() []string { return t.droppedObjects }

// Table returns the working set for an already-touched table id.
func (t *Transaction) Table(id int64) (*MutableTableDataSource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ds, ok := t.tables[id]
	return ds, ok
}

// Open resolves name through the registry, binds a private working set
// over a fresh snapshot of its committed index. It neither marks the
// table touched (writes through the working set do that) nor records a
// read-dependency; readers call AddSelectedFromTable for the latter.
func (t *Transaction) Open(name string) (*MutableTableDataSource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, local := t.localNames[name]; local {
		return t.tables[id], nil
	}
	id, table, ok := t.registry.LookupTable(name)
	if !ok {
		return nil, fmt.Errorf("transaction: %w: %s", engine.ErrTableMissing, name)
	}
	if ds, exists := t.tables[id]; exists {
		return ds, nil
	}
	return t.bindLocked(id, name, table), nil
}

// AddSelectedFromTable records a read-dependency for dirty-select
// detection.
func (t *Transaction) AddSelectedFromTable(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, local := t.localNames[name]; local {
		t.selectedFromTables[id] = true
		return nil
	}
	id, _, ok := t.registry.LookupTable(name)
	if !ok {
		return fmt.Errorf("transaction: %w: %s", engine.ErrTableMissing, name)
	}
	t.selectedFromTables[id] = true
	return nil
}

func (t *Transaction) markTouched(id int64) {
	t.mu.Lock()
	t.touchedTables[id] = true
	t.mu.Unlock()
}

// bindLocked builds the working set for table and takes its root-lock,
// so the table cannot be dropped or compacted out from under this
// transaction's snapshot. The lock is held until the committer calls
// ReleaseTableLocks at commit or rollback. Caller holds t.mu.
func (t *Transaction) bindLocked(id int64, name string, table *mastertable.MasterTable) *MutableTableDataSource {
	table.Lock()
	t.rootLocked[id] = table
	ds := newDataSource(id, name, table, table.CreateIndexSet(), t)
	t.tables[id] = ds
	return ds
}

// ReleaseTableLocks drops every root-lock this transaction holds; the
// committer calls it once the transaction can no longer read through
// its snapshot. Safe to call more than once.
func (t *Transaction) ReleaseTableLocks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, table := range t.rootLocked {
		table.Unlock()
	}
	t.rootLocked = make(map[int64]*mastertable.MasterTable)
}

// CreateTable creates a brand-new table, visible only to this
// transaction until commit. Two concurrently open transactions may
// each create the same name; the second one to commit fails the
// namespace-clash check.
func (t *Transaction) CreateTable(name string, def mastertable.DataTableDef, dataSectorSize, indexSectorSize int) (*MutableTableDataSource, error) {
	if dataSectorSize < 27 || dataSectorSize > 4096 {
		return nil, fmt.Errorf("transaction: data sector size %d out of [27,4096]", dataSectorSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, local := t.localNames[name]; local {
		return nil, fmt.Errorf("transaction: %w: %s", engine.ErrTableExists, name)
	}
	if _, _, ok := t.registry.LookupTable(name); ok {
		return nil, fmt.Errorf("transaction: %w: %s", engine.ErrTableExists, name)
	}
	id, table, err := t.registry.CreateTable(name, def, dataSectorSize, indexSectorSize)
	if err != nil {
		return nil, err
	}
	ds := t.bindLocked(id, name, table)
	t.localNames[name] = id
	t.touchedTables[id] = true
	t.createdObjects = append(t.createdObjects, name)
	t.journal.Create(id)
	return ds, nil
}

// DropTable removes name from this transaction's visible set and
// records the drop in the journal; the table itself is only actually
// removed once the conglomerate processes the commit. Dropping a table
// created by this same transaction cancels the create instead of
// recording a drop against the committed namespace.
func (t *Transaction) DropTable(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, local := t.localNames[name]; local {
		delete(t.tables, id)
		delete(t.localNames, name)
		t.createdObjects = removeString(t.createdObjects, name)
		t.journal.Drop(id)
		return nil
	}
	id, _, ok := t.registry.LookupTable(name)
	if !ok {
		return fmt.Errorf("transaction: %w: %s", engine.ErrTableMissing, name)
	}
	delete(t.tables, id)
	t.touchedTables[id] = true
	t.droppedObjects = append(t.droppedObjects, name)
	t.journal.Drop(id)
	return nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AlterTable is drop + create + copy-by-column-name with default fill
// plus index rebuild. Row ids are not preserved (a fresh master table
// is always a fresh id space); sequence-backed counters are carried
// over by the caller via defaultFill when a column's default needs one.
func (t *Transaction) AlterTable(name string, newDef mastertable.DataTableDef, defaultFill func(col mastertable.ColumnDef) (tobject.TObject, bool)) error {
	t.mu.Lock()
	localOldID, isLocal := t.localNames[name]
	t.mu.Unlock()

	var oldID int64
	var oldTable *mastertable.MasterTable
	if isLocal {
		oldID = localOldID
	} else {
		var ok bool
		oldID, oldTable, ok = t.registry.LookupTable(name)
		if !ok {
			return fmt.Errorf("transaction: %w: %s", engine.ErrTableMissing, name)
		}
	}
	t.mu.Lock()
	oldDS := t.tables[oldID]
	t.mu.Unlock()
	if oldDS != nil {
		oldTable = oldDS.MasterTable()
	}
	if oldTable == nil {
		return fmt.Errorf("transaction: %w: %s", engine.ErrTableMissing, name)
	}
	newID, newTable, err := t.registry.CreateTable(name, newDef, 2048, 1024)
	if err != nil {
		return err
	}

	// Enumerate through this transaction's own overlay when it has one,
	// so rows it added (or removed) ahead of the alter carry over.
	var rows []int64
	if oldDS != nil {
		rows, err = oldDS.RowEnumeration()
	} else {
		rows, err = oldTable.RowEnumeration(t.startCommitID)
	}
	if err != nil {
		return err
	}
	oldSchema := oldTable.Def()
	var copied [][]tobject.TObject
	for _, row := range rows {
		oldCells, err := oldTable.GetRow(row)
		if err != nil {
			return err
		}
		newCells := make([]tobject.TObject, len(newDef.Columns))
		for i, col := range newDef.Columns {
			if src := oldSchema.ColumnIndex(col.Name); src >= 0 && src < len(oldCells) {
				newCells[i] = oldCells[src]
				continue
			}
			if defaultFill != nil {
				if v, ok := defaultFill(col); ok {
					newCells[i] = v
					continue
				}
			}
			newCells[i] = tobject.Null(col.Kind)
		}
		copied = append(copied, newCells)
	}

	t.mu.Lock()
	delete(t.tables, oldID)
	if isLocal {
		t.createdObjects = removeString(t.createdObjects, name)
	} else {
		t.touchedTables[oldID] = true
		t.droppedObjects = append(t.droppedObjects, name)
	}
	t.touchedTables[newID] = true
	t.createdObjects = append(t.createdObjects, name)
	t.journal.Drop(oldID)
	t.journal.Create(newID)
	t.localNames[name] = newID
	ds := t.bindLocked(newID, name, newTable)
	t.mu.Unlock()
	// Copied rows go in through the new working set so they are journaled
	// and indexed like any other add.
	for _, cells := range copied {
		if _, err := ds.AddRow(cells); err != nil {
			return err
		}
	}
	return nil
}

// CopyTable deep-copies every row of src visible as of viewCommitID
// into a brand-new table registered under newName.
func (t *Transaction) CopyTable(newName string, src *mastertable.MasterTable, viewCommitID int64) (*MutableTableDataSource, error) {
	t.mu.Lock()
	_, local := t.localNames[newName]
	t.mu.Unlock()
	if local {
		return nil, fmt.Errorf("transaction: %w: %s", engine.ErrTableExists, newName)
	}
	if _, _, ok := t.registry.LookupTable(newName); ok {
		return nil, fmt.Errorf("transaction: %w: %s", engine.ErrTableExists, newName)
	}
	rows, err := src.RowEnumeration(viewCommitID)
	if err != nil {
		return nil, err
	}
	newID, newTable, err := t.registry.CreateTable(newName, src.Def(), 2048, 1024)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.touchedTables[newID] = true
	t.createdObjects = append(t.createdObjects, newName)
	t.journal.Create(newID)
	t.localNames[newName] = newID
	ds := t.bindLocked(newID, newName, newTable)
	t.mu.Unlock()
	for _, row := range rows {
		cells, err := src.GetRow(row)
		if err != nil {
			return nil, err
		}
		if _, err := ds.AddRow(cells); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// CloseAndCommit hands this transaction to the committer and marks it
// closed regardless of outcome.
func (t *Transaction) CloseAndCommit() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transaction: already closed")
	}
	t.closed = true
	t.mu.Unlock()
	return t.committer.ProcessCommit(t)
}

// CloseAndRollback discards this transaction's journal.
func (t *Transaction) CloseAndRollback() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.committer.ProcessRollback(t)
}

// NormalizedJournals returns the per-table disjoint add/remove sets for
// every touched table, computed once at commit time.
func (t *Transaction) NormalizedJournals() []txjournal.MasterTableJournal {
	var out []txjournal.MasterTableJournal
	for _, id := range t.TouchedTables() {
		out = append(out, t.journal.Normalize(id))
	}
	return out
}

// CommittedIndex returns the working IndexSet for a touched table, for
// the committer to pass into MasterTable.CommitTransactionChange.
func (t *Transaction) CommittedIndex(id int64) (*indexset.IndexSet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ds, ok := t.tables[id]
	if !ok {
		return nil, false
	}
	return ds.index, true
}
