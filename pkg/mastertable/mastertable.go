package mastertable

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/indexset"
	"github.com/cuemby/pgstore/pkg/recordlist"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/cuemby/pgstore/pkg/txjournal"
)

const (
	manifestMagic int32 = 0x4D544142 // "MTAB"

	manifestHeaderAreaID = -1
)

// MasterTable binds a table id and schema to a dedicated engine.Store:
// a FixedRecordList of per-row status/location entries, a cell area per
// row, a committed IndexSet, and journal history. Not thread safe; the
// conglomerate serializes writers through its commit lock and readers
// through per-transaction snapshots.
type MasterTable struct {
	mu sync.Mutex

	id    int64
	def   DataTableDef
	store engine.Store

	records        *recordlist.FixedRecordList
	nextRow        int64
	indexDefAreaID int64

	index   *indexset.IndexSet
	history *txjournal.History

	pendingReclaim map[int64]bool // rows COMMITTED_REMOVED, not yet past every open snapshot

	rootLocks int
}

// Create initializes a brand-new MasterTable in store.
func Create(store engine.Store, id int64, def DataTableDef) (*MasterTable, error) {
	records := recordlist.New(store, RowEntrySize)
	if _, err := records.Create(); err != nil {
		return nil, fmt.Errorf("mastertable: create record list: %w", err)
	}
	if err := records.SetReservedLong(-1); err != nil {
		return nil, err
	}

	t := &MasterTable{
		id:             id,
		def:            def,
		store:          store,
		records:        records,
		nextRow:        0,
		index:          indexset.New(),
		history:        txjournal.NewHistory(),
		pendingReclaim: make(map[int64]bool),
	}
	if err := t.writeIndexSetDef(defaultIndexSetDef(def)); err != nil {
		return nil, err
	}
	if err := t.writeManifest(); err != nil {
		return nil, err
	}
	return t, nil
}

// writeIndexSetDef persists the table's index description into its own
// area and points the manifest at it.
func (t *MasterTable) writeIndexSetDef(d IndexSetDef) error {
	buf := EncodeIndexSetDef(d)
	id, err := t.store.CreateArea(int64(len(buf)))
	if err != nil {
		return fmt.Errorf("mastertable: allocate index set def: %w", err)
	}
	area, err := t.store.MutableArea(id)
	if err != nil {
		return err
	}
	if _, err := area.Write(buf); err != nil {
		return err
	}
	if err := area.CheckOut(); err != nil {
		return err
	}
	t.indexDefAreaID = id
	return nil
}

func (t *MasterTable) readIndexSetDef() (IndexSetDef, error) {
	area, err := t.store.OpenArea(t.indexDefAreaID)
	if err != nil {
		return IndexSetDef{}, fmt.Errorf("mastertable: open index set def: %w", err)
	}
	buf := make([]byte, area.Length())
	if _, err := area.Read(buf); err != nil {
		return IndexSetDef{}, err
	}
	return DecodeIndexSetDef(buf)
}

// Open reattaches to an existing MasterTable's store, validating the
// persisted index description against def. The live committed IndexSet
// is rebuilt by scanning committed rows rather than persisted on every
// commit; a scan is always correct regardless of how the process last
// exited.
func Open(store engine.Store, id int64, def DataTableDef) (*MasterTable, error) {
	t := &MasterTable{
		id:             id,
		def:            def,
		store:          store,
		records:        recordlist.New(store, RowEntrySize),
		index:          indexset.New(),
		history:        txjournal.NewHistory(),
		pendingReclaim: make(map[int64]bool),
	}
	if err := t.readManifest(); err != nil {
		return nil, err
	}
	if t.indexDefAreaID != 0 {
		persisted, err := t.readIndexSetDef()
		if err != nil {
			return nil, err
		}
		if persisted.SchemaName != def.SchemaName || persisted.TableName != def.TableName {
			return nil, fmt.Errorf("mastertable: index set def names %s.%s do not match %s.%s: %w",
				persisted.SchemaName, persisted.TableName, def.SchemaName, def.TableName, engine.ErrBadMagic)
		}
	}
	if err := t.rebuildIndexAndReclaimSet(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *MasterTable) writeManifest() error {
	area, err := t.store.FixedArea(manifestHeaderAreaID)
	if err != nil {
		return fmt.Errorf("mastertable: open manifest: %w", err)
	}
	t.store.LockForWrite()
	defer t.store.UnlockForWrite()
	area.SetPosition(0)
	if err := area.PutInt32(manifestMagic); err != nil {
		return err
	}
	if err := area.PutInt64(t.records.HeaderID()); err != nil {
		return err
	}
	if err := area.PutInt64(t.nextRow); err != nil {
		return err
	}
	if err := area.PutInt64(t.indexDefAreaID); err != nil {
		return err
	}
	return area.CheckOut()
}

func (t *MasterTable) readManifest() error {
	area, err := t.store.FixedArea(manifestHeaderAreaID)
	if err != nil {
		return fmt.Errorf("mastertable: open manifest: %w", err)
	}
	magic, err := area.GetInt32()
	if err != nil {
		return err
	}
	if magic != manifestMagic {
		return fmt.Errorf("mastertable: %w", engine.ErrBadMagic)
	}
	headerID, err := area.GetInt64()
	if err != nil {
		return err
	}
	nextRow, err := area.GetInt64()
	if err != nil {
		return err
	}
	indexDefAreaID, err := area.GetInt64()
	if err != nil {
		return err
	}
	if err := t.records.Init(headerID); err != nil {
		return err
	}
	t.nextRow = nextRow
	t.indexDefAreaID = indexDefAreaID
	return nil
}

func (t *MasterTable) rebuildIndexAndReclaimSet() error {
	for row := int64(0); row < t.nextRow; row++ {
		e, err := t.readRow(row)
		if err != nil {
			return err
		}
		switch e.status {
		case RowCommittedAdded:
			cells, err := t.readCells(e.cellAreaID)
			if err != nil {
				return err
			}
			t.indexRow(cells, row)
		case RowCommittedRemoved:
			t.pendingReclaim[row] = true
		}
	}
	return nil
}

// ID returns the table id.
func (t *MasterTable) ID() int64 { return t.id }

// Def returns the schema.
func (t *MasterTable) Def() DataTableDef { return t.def }

func (t *MasterTable) readRow(row int64) (rowEntry, error) {
	cur, err := t.records.Position(row)
	if err != nil {
		return rowEntry{}, err
	}
	var status [1]byte
	if _, err := cur.Read(status[:]); err != nil {
		return rowEntry{}, err
	}
	added, err := cur.GetInt64()
	if err != nil {
		return rowEntry{}, err
	}
	removed, err := cur.GetInt64()
	if err != nil {
		return rowEntry{}, err
	}
	areaID, err := cur.GetInt64()
	if err != nil {
		return rowEntry{}, err
	}
	return rowEntry{status: RowStatus(status[0]), addedCommit: added, removedCommit: removed, cellAreaID: areaID}, nil
}

func (t *MasterTable) writeRow(row int64, e rowEntry) error {
	cur, err := t.records.Position(row)
	if err != nil {
		return err
	}
	if _, err := cur.Write([]byte{byte(e.status)}); err != nil {
		return err
	}
	if err := cur.PutInt64(e.addedCommit); err != nil {
		return err
	}
	if err := cur.PutInt64(e.removedCommit); err != nil {
		return err
	}
	if err := cur.PutInt64(e.cellAreaID); err != nil {
		return err
	}
	return cur.CheckOut()
}

func (t *MasterTable) growForRow(row int64) error {
	for row >= t.records.AddressableNodeCount() {
		if err := t.records.IncreaseSize(); err != nil {
			return err
		}
	}
	return nil
}

// allocateRowID pops from the reclaim free chain if non-empty, else
// grows the record list and assigns the next sequential id.
func (t *MasterTable) allocateRowID() (int64, error) {
	head := t.records.ReservedLong()
	if head != -1 {
		e, err := t.readRow(head)
		if err != nil {
			return 0, err
		}
		if err := t.records.SetReservedLong(e.cellAreaID); err != nil { // cellAreaID doubles as "next free"
			return 0, err
		}
		return head, nil
	}
	row := t.nextRow
	if err := t.growForRow(row); err != nil {
		return 0, err
	}
	t.nextRow++
	if err := t.writeManifest(); err != nil {
		return 0, err
	}
	return row, nil
}

func (t *MasterTable) writeCells(cells []tobject.TObject) (int64, error) {
	var buf bytes.Buffer
	for _, c := range cells {
		if err := tobject.Encode(&buf, c); err != nil {
			return 0, err
		}
	}
	id, err := t.store.CreateArea(int64(buf.Len()))
	if err != nil {
		return 0, fmt.Errorf("mastertable: allocate cell area: %w", err)
	}
	area, err := t.store.MutableArea(id)
	if err != nil {
		return 0, err
	}
	if _, err := area.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	if err := area.CheckOut(); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *MasterTable) readCells(areaID int64) ([]tobject.TObject, error) {
	area, err := t.store.OpenArea(areaID)
	if err != nil {
		return nil, fmt.Errorf("mastertable: open cell area: %w", err)
	}
	buf := make([]byte, area.Length())
	if _, err := area.Read(buf); err != nil {
		return nil, err
	}
	r := bytes.NewReader(buf)
	cells := make([]tobject.TObject, 0, len(t.def.Columns))
	for r.Len() > 0 {
		cell, err := tobject.Decode(r)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func (t *MasterTable) indexRow(cells []tobject.TObject, row int64) {
	for col := range t.def.Columns {
		if col < len(cells) && !cells[col].IsNull() {
			t.index.Insert(col, cells[col], row)
		}
	}
}

func (t *MasterTable) unindexRow(cells []tobject.TObject, row int64) {
	for col := range t.def.Columns {
		if col < len(cells) && !cells[col].IsNull() {
			t.index.Remove(col, cells[col], row)
		}
	}
}

// AddRow writes cells to a fresh row slot and marks it
// UNCOMMITTED_ADDED, returning the row id.
func (t *MasterTable) AddRow(cells []tobject.TObject) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, err := t.allocateRowID()
	if err != nil {
		return 0, err
	}
	areaID, err := t.writeCells(cells)
	if err != nil {
		return 0, err
	}
	if err := t.writeRow(row, rowEntry{status: RowUncommittedAdded, addedCommit: 0, removedCommit: 0, cellAreaID: areaID}); err != nil {
		return 0, err
	}
	return row, nil
}

// WriteRecordType sets a row's status byte directly; an escape hatch for
// callers performing their own bookkeeping.
func (t *MasterTable) WriteRecordType(row int64, status RowStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.readRow(row)
	if err != nil {
		return err
	}
	e.status = status
	return t.writeRow(row, e)
}

// DeleteRow marks row UNCOMMITTED_REMOVED. Cross-transaction visibility
// is governed entirely by the commit-id stamps CommitTransactionChange
// sets, not by this status byte, so flipping it here is safe even
// though other open transactions' snapshots still see the row as live.
func (t *MasterTable) DeleteRow(row int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.readRow(row)
	if err != nil {
		return err
	}
	e.status = RowUncommittedRemoved
	return t.writeRow(row, e)
}

// GetCell returns column col of row.
func (t *MasterTable) GetCell(col int, row int64) (tobject.TObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.readRow(row)
	if err != nil {
		return tobject.TObject{}, err
	}
	cells, err := t.readCells(e.cellAreaID)
	if err != nil {
		return tobject.TObject{}, err
	}
	if col < 0 || col >= len(cells) {
		return tobject.TObject{}, fmt.Errorf("mastertable: column %d out of range", col)
	}
	return cells[col], nil
}

// GetRow returns every cell of row.
func (t *MasterTable) GetRow(row int64) ([]tobject.TObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.readRow(row)
	if err != nil {
		return nil, err
	}
	return t.readCells(e.cellAreaID)
}

// RowStatusAt reports the row's persisted status and commit stamps, for
// callers (pkg/transaction) that need the raw state.
func (t *MasterTable) RowStatusAt(row int64) (status RowStatus, addedCommit, removedCommit int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.readRow(row)
	if err != nil {
		return 0, 0, 0, err
	}
	return e.status, e.addedCommit, e.removedCommit, nil
}

// CreateIndexSet returns a snapshot of the committed index set, owned
// exclusively by the caller.
func (t *MasterTable) CreateIndexSet() *indexset.IndexSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index.Snapshot()
}

// RowEnumeration returns every row id visible as of viewCommitID:
// added at or before it, and not removed at or before it.
func (t *MasterTable) RowEnumeration(viewCommitID int64) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for row := int64(0); row < t.nextRow; row++ {
		e, err := t.readRow(row)
		if err != nil {
			return nil, err
		}
		if e.addedCommit != 0 && e.addedCommit <= viewCommitID &&
			(e.removedCommit == 0 || e.removedCommit > viewCommitID) {
			out = append(out, row)
		}
	}
	return out, nil
}

// FindAllJournalsSince returns every committed journal for this table
// with commit id >= minCommitID.
func (t *MasterTable) FindAllJournalsSince(minCommitID int64) []txjournal.MasterTableJournal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Since(minCommitID)
}

// CommitTransactionChange publishes a transaction's normalized journal:
// added rows become COMMITTED_ADDED, removed rows become
// COMMITTED_REMOVED, and the journal's delta is merged into the
// committed IndexSet. The transaction's own working index (txIndex) is
// consumed and disposed here — it only ever covered the transaction's
// private snapshot, so installing it wholesale would discard index
// entries committed by transactions that raced past this one. Must be
// called under the conglomerate's commit lock.
func (t *MasterTable) CommitTransactionChange(commitID int64, mtj txjournal.MasterTableJournal, txIndex *indexset.IndexSet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range mtj.Added {
		e, err := t.readRow(row)
		if err != nil {
			return err
		}
		e.status = RowCommittedAdded
		e.addedCommit = commitID
		if err := t.writeRow(row, e); err != nil {
			return err
		}
		cells, err := t.readCells(e.cellAreaID)
		if err != nil {
			return err
		}
		t.indexRow(cells, row)
	}
	for _, row := range mtj.Removed {
		e, err := t.readRow(row)
		if err != nil {
			return err
		}
		e.status = RowCommittedRemoved
		e.removedCommit = commitID
		if err := t.writeRow(row, e); err != nil {
			return err
		}
		cells, err := t.readCells(e.cellAreaID)
		if err != nil {
			return err
		}
		t.unindexRow(cells, row)
		t.pendingReclaim[row] = true
	}

	if txIndex != nil {
		txIndex.Dispose()
	}

	mtj.CommitID = commitID
	t.history.Append(mtj)
	return nil
}

// RollbackTransactionChange undoes an uncommitted add set by marking
// those rows RECLAIMABLE and pushing them onto the free chain. Removed
// rows are left untouched; nothing about them was ever published.
func (t *MasterTable) RollbackTransactionChange(mtj txjournal.MasterTableJournal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range mtj.Added {
		e, err := t.readRow(row)
		if err != nil {
			return err
		}
		if e.cellAreaID != 0 {
			_ = t.store.DeleteArea(e.cellAreaID)
		}
		head := t.records.ReservedLong()
		if err := t.writeRow(row, rowEntry{status: RowReclaimable, cellAreaID: head}); err != nil {
			return err
		}
		if err := t.records.SetReservedLong(row); err != nil {
			return err
		}
	}
	return nil
}

// MergeJournalChanges discards history strictly older than minCommitID
// and reclaims any COMMITTED_REMOVED row whose removal commit id is now
// older than every open transaction's start commit id.
func (t *MasterTable) MergeJournalChanges(minCommitID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history.Merge(minCommitID)

	for row := range t.pendingReclaim {
		e, err := t.readRow(row)
		if err != nil {
			return err
		}
		if e.status != RowCommittedRemoved {
			delete(t.pendingReclaim, row)
			continue
		}
		if e.removedCommit < minCommitID {
			if e.cellAreaID != 0 {
				_ = t.store.DeleteArea(e.cellAreaID)
			}
			head := t.records.ReservedLong()
			if err := t.writeRow(row, rowEntry{status: RowReclaimable, cellAreaID: head}); err != nil {
				return err
			}
			if err := t.records.SetReservedLong(row); err != nil {
				return err
			}
			delete(t.pendingReclaim, row)
		}
	}
	return nil
}

// IsWorthCompacting reports whether the fraction of reclaimable rows is
// high enough to justify a compaction pass.
func (t *MasterTable) IsWorthCompacting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextRow == 0 {
		return false
	}
	return len(t.pendingReclaim)*4 > int(t.nextRow)
}

// Lock/Unlock implement the table's root-lock: callers that take a
// snapshot referencing this table hold a lock for its duration, and
// Drop/compact must refuse while any lock is outstanding.
func (t *MasterTable) Lock() {
	t.mu.Lock()
	t.rootLocks++
	t.mu.Unlock()
}

func (t *MasterTable) Unlock() {
	t.mu.Lock()
	if t.rootLocks > 0 {
		t.rootLocks--
	}
	t.mu.Unlock()
}

// IsRootLocked reports whether any transaction holds an outstanding
// snapshot over this table.
func (t *MasterTable) IsRootLocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootLocks > 0
}

// Drop releases the table's store. The caller (pkg/conglomerate) must
// have confirmed IsRootLocked() is false first.
func (t *MasterTable) Drop() error {
	return t.store.Close()
}

// Dispose releases resources without deleting backing storage
// (pendingDrop distinguishes "closing because the conglomerate is
// shutting down" from "closing after a successful drop").
func (t *MasterTable) Dispose(pendingDrop bool) error {
	if t.index != nil {
		t.index.Dispose()
	}
	if pendingDrop {
		return nil
	}
	return t.store.Close()
}

// NextRowID returns the next row id that would be allocated, for
// diagnostics and full-copy operations.
func (t *MasterTable) NextRowID() int64 { return t.nextRow }
