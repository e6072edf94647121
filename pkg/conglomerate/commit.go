package conglomerate

import (
	"context"
	"fmt"

	"github.com/cuemby/pgstore/pkg/constraint"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/log"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/metrics"
	"github.com/cuemby/pgstore/pkg/transaction"
	"github.com/cuemby/pgstore/pkg/txjournal"
)

var _ transaction.Committer = (*Conglomerate)(nil)
var _ transaction.TableRegistry = (*Conglomerate)(nil)

// liveTable resolves a table id against the visible set first, then the
// pending set — a transaction commits rows into tables it created
// before those tables become visible to anyone else.
func (c *Conglomerate) liveTable(id int64) *mastertable.MasterTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[id]; ok {
		return t
	}
	if p, ok := c.pending[id]; ok {
		return p.table
	}
	return nil
}

func (c *Conglomerate) isPending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// tableLookup adapts a transaction's own table resolution into
// constraint.TableLookup for the commit-time re-validation pass: a
// table already opened by this transaction returns its in-flight
// working set, anything else opens a fresh read-through view bound to
// the transaction's snapshot. The resulting composite is the read-only
// check view the constraint engine evaluates against — this
// transaction's changes layered over the committed state.
func (c *Conglomerate) tableLookup(tx *transaction.Transaction) constraint.TableLookup {
	return func(tableID int64) (constraint.TableView, error) {
		if ds, ok := tx.Table(tableID); ok {
			return ds, nil
		}
		c.mu.Lock()
		name := reverseLookup(c.tablesByName, tableID)
		c.mu.Unlock()
		if name == "" {
			return nil, fmt.Errorf("conglomerate: %w: table id %d", engine.ErrTableMissing, tableID)
		}
		return tx.Open(name)
	}
}

// ProcessCommit implements transaction.Committer. Validation runs
// entirely under the commit lock; past the commit point (the
// CommitTransactionChange loop) the transaction can no longer be rolled
// back, and later failures are logged rather than raised.
func (c *Conglomerate) ProcessCommit(tx *transaction.Transaction) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	touched := tx.TouchedTables()
	normalized := tx.NormalizedJournals()
	journal := tx.Journal()

	nonEmpty := false
	for _, mtj := range normalized {
		if len(mtj.Added) > 0 || len(mtj.Removed) > 0 {
			nonEmpty = true
			break
		}
	}
	hasLifecycle := len(journal.CreatedTables()) > 0 || len(journal.DroppedTables()) > 0
	if !nonEmpty && !hasLifecycle && len(journal.ConstraintAlteredTables()) == 0 {
		tx.ReleaseTableLocks()
		c.removeOpenTx(tx)
		metrics.CommitsTotal.WithLabelValues("committed").Inc()
		return nil
	}

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	if err := c.validateCommit(tx, touched, normalized); err != nil {
		c.rollbackJournals(normalized)
		tx.ReleaseTableLocks()
		c.discardPendingTables(tx)
		c.removeOpenTx(tx)
		metrics.CommitConflictsTotal.WithLabelValues(string(engine.Classify(err))).Inc()
		metrics.CommitsTotal.WithLabelValues("rolled_back").Inc()
		return err
	}

	nextCommitID := c.commitID + 1

	// Commit point: publish every touched table's changes. Past this
	// line the transaction cannot be rolled back.
	for _, mtj := range normalized {
		table := c.liveTable(mtj.TableID)
		if table == nil {
			continue
		}
		index, _ := tx.CommittedIndex(mtj.TableID)
		if err := table.CommitTransactionChange(nextCommitID, mtj, index); err != nil {
			log.Errorf("commit_transaction_change failed after commit point", err)
		}
	}

	// The committing transaction's own root-locks come off before the
	// lifecycle publish; otherwise its own drops would always be seen as
	// still-referenced and deferred.
	tx.ReleaseTableLocks()

	// Publish table lifecycle (create/drop) to the visible maps, the
	// state store, and the table catalog.
	if hasLifecycle {
		if err := c.publishTableLifecycle(tx); err != nil {
			log.Errorf("publish table lifecycle after commit point", err)
		}
	}

	// Constraint DDL staged by this transaction becomes shared state.
	c.applyStagedConstraints(tx)

	// Namespace journal and commit id advance.
	c.mu.Lock()
	c.namespaceHistory = append(c.namespaceHistory, namespaceJournal{
		commitID: nextCommitID,
		created:  tx.CreatedObjectNames(),
		dropped:  tx.DroppedObjectNames(),
	})
	c.commitID = nextCommitID
	c.mu.Unlock()

	// Drop from the open list, then merge journal history once every
	// still-open transaction's minimum start id is known.
	c.removeOpenTx(tx)
	_ = c.writeRoot()
	minOpen := c.minOpenStartCommitID()
	mergeTimer := metrics.NewTimer()
	c.mu.Lock()
	tables := make([]*mastertable.MasterTable, 0, len(touched))
	for _, id := range touched {
		if table := c.tables[id]; table != nil {
			tables = append(tables, table)
		}
	}
	c.mu.Unlock()
	for _, table := range tables {
		_ = table.MergeJournalChanges(minOpen)
	}
	mergeTimer.ObserveDuration(metrics.JournalMergeDuration)

	if err := c.storeSystem.SetCheckPoint(); err != nil {
		log.Errorf("checkpoint after commit", err)
	}

	metrics.CurrentCommitID.Set(float64(c.commitID))
	metrics.SectorsUsed.WithLabelValues("blobs").Set(float64(c.blobSectors.SectorsUsed()))
	metrics.CommitsTotal.WithLabelValues("committed").Inc()
	return nil
}

func (c *Conglomerate) validateCommit(tx *transaction.Transaction, touched []int64, normalized []txjournal.MasterTableJournal) error {
	lookup := c.tableLookup(tx)
	eng := c.effectiveEngine(tx)

	// Dirty-select check: any table this transaction read from must not
	// have committed journal entries newer than its snapshot. The
	// snapshot already includes the start commit itself, and
	// FindAllJournalsSince is inclusive, so every lookup below starts one
	// past it.
	if tx.ErrorOnDirtySelect() {
		for _, id := range tx.SelectedFromTables() {
			c.mu.Lock()
			table := c.tables[id]
			c.mu.Unlock()
			if table == nil {
				continue
			}
			if len(table.FindAllJournalsSince(tx.StartCommitID()+1)) > 0 {
				return engine.Wrap(engine.ErrDirtyTableSelect, fmt.Sprintf("table:%d", id), 0, tx.StartCommitID(),
					"table %d modified by another committed transaction since start", id)
			}
		}
	}

	// Namespace-clash check against every commit newer than this
	// transaction's snapshot.
	c.mu.Lock()
	history := append([]namespaceJournal(nil), c.namespaceHistory...)
	c.mu.Unlock()
	for _, nj := range history {
		if nj.commitID <= tx.StartCommitID() {
			continue
		}
		if clashes(tx.CreatedObjectNames(), nj.created) || clashes(tx.DroppedObjectNames(), nj.dropped) {
			return engine.Wrap(engine.ErrDuplicateTable, "", 0, nj.commitID, "namespace clash with commit %d", nj.commitID)
		}
	}

	// Row-clash check.
	for _, id := range touched {
		c.mu.Lock()
		table := c.tables[id]
		c.mu.Unlock()
		if table == nil {
			if c.isPending(id) {
				continue // this transaction's own uncommitted table, nothing to clash with
			}
			return engine.Wrap(engine.ErrTableDropped, fmt.Sprintf("table:%d", id), 0, 0, "table %d no longer visible", id)
		}
		mine := findJournal(normalized, id)
		for _, row := range mine.Added {
			if row >= table.NextRowID() {
				return engine.Wrap(engine.ErrRowRemoveClash, fmt.Sprintf("table:%d", id), row, 0,
					"row %d added by this transaction is no longer addressable", row)
			}
		}
		for _, other := range table.FindAllJournalsSince(tx.StartCommitID() + 1) {
			for _, row := range mine.Removed {
				if containsInt64(other.Removed, row) {
					return engine.Wrap(engine.ErrRowRemoveClash, fmt.Sprintf("table:%d", id), row, other.CommitID,
						"row %d removed by both this and commit %d", row, other.CommitID)
				}
			}
		}
	}

	// Drop-clash check: dropping a table another transaction has
	// committed changes into since this snapshot loses those changes.
	for _, id := range tx.Journal().DroppedTables() {
		c.mu.Lock()
		table := c.tables[id]
		c.mu.Unlock()
		if table == nil {
			continue // created and dropped within this same transaction
		}
		if others := table.FindAllJournalsSince(tx.StartCommitID() + 1); len(others) > 0 {
			return engine.Wrap(engine.ErrTableRemoveClash, fmt.Sprintf("table:%d", id), 0, others[0].CommitID,
				"table %d has committed changes since commit %d", id, tx.StartCommitID())
		}
	}

	// Constraint-altered tables get the full add-constraint check
	// against every visible row, not just this transaction's additions.
	for _, id := range tx.Journal().ConstraintAlteredTables() {
		view, err := lookup(id)
		if err != nil {
			return err
		}
		rows, err := view.RowEnumeration()
		if err != nil {
			return err
		}
		for _, deferredPass := range []bool{false, true} {
			if err := eng.CheckAddedRows(context.Background(), view, id, rows, lookup, deferredPass); err != nil {
				metrics.ConstraintChecksTotal.WithLabelValues("altered", "violation").Inc()
				return err
			}
		}
		metrics.ConstraintChecksTotal.WithLabelValues("altered", "pass").Inc()
	}

	// Inbound FK re-validation for every removed row.
	for _, mtj := range normalized {
		if len(mtj.Removed) == 0 {
			continue
		}
		view, err := lookup(mtj.TableID)
		if err != nil {
			return err
		}
		for _, deferredPass := range []bool{false, true} {
			if err := eng.CheckRemovedRows(view, mtj.TableID, mtj.Removed, lookup, deferredPass); err != nil {
				metrics.ConstraintChecksTotal.WithLabelValues("removed", "violation").Inc()
				return err
			}
		}
		metrics.ConstraintChecksTotal.WithLabelValues("removed", "pass").Inc()
	}

	// PK/UK/FK-outbound/CHECK re-validation for every added row,
	// immediate pass then deferred pass.
	for _, mtj := range normalized {
		if len(mtj.Added) == 0 {
			continue
		}
		view, err := lookup(mtj.TableID)
		if err != nil {
			return err
		}
		for _, deferredPass := range []bool{false, true} {
			if err := eng.CheckAddedRows(context.Background(), view, mtj.TableID, mtj.Added, lookup, deferredPass); err != nil {
				metrics.ConstraintChecksTotal.WithLabelValues("added", "violation").Inc()
				return err
			}
		}
		metrics.ConstraintChecksTotal.WithLabelValues("added", "pass").Inc()
	}

	// Out-of-band triggers, fired while still inside the commit lock but
	// after every validation pass has passed. Listeners must not block
	// or re-enter the conglomerate.
	c.mu.Lock()
	listeners := append([]engine.TransactionModificationListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, mtj := range normalized {
		if len(mtj.Added) == 0 && len(mtj.Removed) == 0 {
			continue
		}
		for _, l := range listeners {
			l.TableCommitChange(engine.ModificationEvent{
				CheckView:     tx,
				TableName:     c.tableNameForEvent(mtj.TableID),
				AddedRowIDs:   mtj.Added,
				RemovedRowIDs: mtj.Removed,
			})
		}
	}
	return nil
}

func (c *Conglomerate) tableNameForEvent(tableID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name := reverseLookup(c.tablesByName, tableID); name != "" {
		return name
	}
	if p, ok := c.pending[tableID]; ok {
		return p.name
	}
	return ""
}

// effectiveEngine returns the constraint engine a commit validates
// against: the shared set plus this transaction's staged constraint
// additions, minus its staged drops.
func (c *Conglomerate) effectiveEngine(tx *transaction.Transaction) *constraint.Engine {
	c.mu.Lock()
	adds := c.stagedConstraints[tx]
	drops := c.stagedDrops[tx]
	c.mu.Unlock()
	if len(adds) == 0 && len(drops) == 0 {
		return c.constraints
	}
	return c.constraints.ForCommit(adds, drops)
}

// applyStagedConstraints promotes this transaction's constraint DDL
// into the shared engine; called only after a successful commit point.
func (c *Conglomerate) applyStagedConstraints(tx *transaction.Transaction) {
	c.mu.Lock()
	adds := c.stagedConstraints[tx]
	drops := c.stagedDrops[tx]
	delete(c.stagedConstraints, tx)
	delete(c.stagedDrops, tx)
	c.mu.Unlock()
	for _, name := range drops {
		c.constraints.Remove(name)
	}
	for _, cs := range adds {
		c.constraints.Add(cs)
	}
}

func (c *Conglomerate) rollbackJournals(normalized []txjournal.MasterTableJournal) {
	for _, mtj := range normalized {
		if table := c.liveTable(mtj.TableID); table != nil {
			_ = table.RollbackTransactionChange(mtj)
		}
	}
}

// discardPendingTables destroys every table this transaction created
// but never committed.
func (c *Conglomerate) discardPendingTables(tx *transaction.Transaction) {
	for _, id := range tx.Journal().CreatedTables() {
		c.mu.Lock()
		p := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if p == nil {
			continue
		}
		if err := p.table.Dispose(true); err != nil {
			log.Errorf("dispose discarded table", err)
		}
		if st, err := c.storeSystem.OpenStore(p.encodedName); err == nil {
			if err := c.storeSystem.DeleteStore(st); err != nil {
				log.Errorf("delete discarded table store", err)
			}
		}
	}
}

func findJournal(list []txjournal.MasterTableJournal, tableID int64) txjournal.MasterTableJournal {
	for _, mtj := range list {
		if mtj.TableID == tableID {
			return mtj
		}
	}
	return txjournal.MasterTableJournal{TableID: tableID}
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func clashes(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	for _, s := range a {
		if set[s] {
			return true
		}
	}
	return false
}

// publishTableLifecycle reconciles tables created or dropped by tx into
// the conglomerate's live maps, the state store's visible/deleted
// lists, and the persisted table catalog. Creates that were cancelled
// by a drop within the same transaction are discarded outright. A
// dropped table whose MasterTable is still root-locked by another open
// snapshot is deferred to the pending-delete list, matching the cleanup
// pass reopen runs at process start.
func (c *Conglomerate) publishTableLifecycle(tx *transaction.Transaction) error {
	journal := tx.Journal()
	droppedIDs := make(map[int64]bool)
	for _, id := range journal.DroppedTables() {
		droppedIDs[id] = true
	}

	// Creates cancelled by a same-transaction drop never become visible.
	for _, id := range journal.CreatedTables() {
		if !droppedIDs[id] {
			continue
		}
		c.mu.Lock()
		p := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if p == nil {
			continue
		}
		if err := p.table.Dispose(true); err != nil {
			log.Errorf("dispose cancelled table", err)
		}
		if st, err := c.storeSystem.OpenStore(p.encodedName); err == nil {
			_ = c.storeSystem.DeleteStore(st)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range tx.DroppedObjectNames() {
		id, ok := c.tablesByName[name]
		if !ok {
			continue
		}
		table := c.tables[id]
		delete(c.tablesByName, name)
		delete(c.tables, id)
		if table == nil {
			continue
		}
		if table.IsRootLocked() {
			c.droppedPending[id] = table
			continue
		}
		if err := table.Dispose(true); err != nil {
			log.Errorf("dispose dropped table", err)
		}
		if st, err := c.storeSystem.OpenStore(c.tableEncoded[id]); err == nil {
			if err := c.storeSystem.DeleteStore(st); err != nil {
				log.Errorf("delete dropped table store", err)
			}
		}
		delete(c.tableDefs, id)
		delete(c.tableEncoded, id)
	}

	// Promote surviving pending creates into the visible maps.
	for _, id := range journal.CreatedTables() {
		if droppedIDs[id] {
			continue
		}
		p := c.pending[id]
		if p == nil {
			continue
		}
		delete(c.pending, id)
		c.tables[id] = p.table
		c.tableDefs[id] = p.def
		c.tableEncoded[id] = p.encodedName
		c.tablesByName[p.name] = id
	}

	if err := c.publishStateLocked(); err != nil {
		return err
	}
	return c.persistCatalog()
}

// ProcessRollback implements transaction.Committer: every row this
// transaction added is returned to the free chain, removed rows are
// left untouched since nothing about them was ever published, and
// tables it created are destroyed.
func (c *Conglomerate) ProcessRollback(tx *transaction.Transaction) {
	c.rollbackJournals(tx.NormalizedJournals())
	tx.ReleaseTableLocks()
	c.discardPendingTables(tx)
	c.removeOpenTx(tx)
	metrics.CommitsTotal.WithLabelValues("rolled_back").Inc()
}

func (c *Conglomerate) removeOpenTx(tx *transaction.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.openTx {
		if t == tx {
			c.openTx = append(c.openTx[:i], c.openTx[i+1:]...)
			break
		}
	}
	delete(c.stagedConstraints, tx)
	delete(c.stagedDrops, tx)
	c.sweepDroppedPendingLocked()
	metrics.OpenTransactions.Set(float64(len(c.openTx)))
}

// sweepDroppedPendingLocked reclaims committed drops that were deferred
// because a snapshot still referenced the table; once the last holder
// releases its root-lock the store can finally go. Caller holds c.mu.
func (c *Conglomerate) sweepDroppedPendingLocked() {
	for id, table := range c.droppedPending {
		if table == nil || table.IsRootLocked() {
			continue
		}
		if err := table.Dispose(true); err != nil {
			log.Errorf("dispose deferred-drop table", err)
		}
		if st, err := c.storeSystem.OpenStore(c.tableEncoded[id]); err == nil {
			if err := c.storeSystem.DeleteStore(st); err != nil {
				log.Errorf("delete deferred-drop table store", err)
			}
		}
		delete(c.tableDefs, id)
		delete(c.tableEncoded, id)
		delete(c.droppedPending, id)
	}
}

func (c *Conglomerate) minOpenStartCommitID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	min := c.commitID
	for _, t := range c.openTx {
		if t.StartCommitID() < min {
			min = t.StartCommitID()
		}
	}
	return min
}
