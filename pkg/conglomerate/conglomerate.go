package conglomerate

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/pgstore/pkg/blobstore"
	"github.com/cuemby/pgstore/pkg/blockstore"
	"github.com/cuemby/pgstore/pkg/constraint"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/log"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/metrics"
	"github.com/cuemby/pgstore/pkg/sectorstore"
	"github.com/cuemby/pgstore/pkg/statestore"
	"github.com/cuemby/pgstore/pkg/transaction"
)

const (
	catalogStoreName = "_catalog"
	metaStoreName    = "_meta"
	blobFileName     = "_blobs.dat"
	conglomerateLock = "_conglomerate"

	rootMagic int32 = 0x50475253 // "PGRS"
)

// Conglomerate is the top-level manager: the commit lock, the
// monotonic commit id, the open-transaction list, and every live
// MasterTable.
type Conglomerate struct {
	mu       sync.Mutex // guards table/transaction bookkeeping
	commitMu sync.Mutex // the single commit lock

	opts        engine.Options
	storeSystem engine.StoreSystem

	catalogStore engine.Store
	metaStore    engine.Store
	state        *statestore.StateStore
	blobSectors  *sectorstore.Store
	blobs        *blobstore.BlobStore
	constraints  *constraint.Engine
	seq          *mastertable.Sequence

	tables       map[int64]*mastertable.MasterTable
	tableDefs    map[int64]mastertable.DataTableDef
	tableEncoded map[int64]string
	tablesByName map[string]int64

	// droppedPending holds committed drops whose MasterTable was still
	// root-locked by an open snapshot at publish time; the entry keeps
	// the table handle so the store can be reclaimed once the last
	// holder closes (a nil handle marks an entry recovered from the
	// state store at reopen, where only the file remains).
	droppedPending map[int64]*mastertable.MasterTable

	// pending holds tables created by still-open transactions; they are
	// promoted into the visible maps only when the creating transaction
	// commits, so no other transaction can resolve them before then.
	pending map[int64]*pendingTable

	// stagedConstraints/stagedDrops hold constraint DDL issued inside a
	// still-open transaction; applied to the shared engine only at a
	// successful commit.
	stagedConstraints map[*transaction.Transaction][]constraint.Constraint
	stagedDrops       map[*transaction.Transaction][]string

	nextTableID int64
	commitID    int64
	openTx      []*transaction.Transaction

	namespaceHistory []namespaceJournal

	listeners []engine.TransactionModificationListener
}

type pendingTable struct {
	name        string
	encodedName string
	def         mastertable.DataTableDef
	table       *mastertable.MasterTable
}

type namespaceJournal struct {
	commitID int64
	created  []string
	dropped  []string
}

// Open creates or opens a Conglomerate rooted at opts.DataDir: acquire
// the process-exclusive lock (unless read-only), open or create the
// state store, blob store, and table catalog, then clean up any table
// left pending deletion by a previous session.
func Open(opts engine.Options) (*Conglomerate, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	storeSystem, err := blockstore.NewFileStoreSystem(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if !opts.ReadOnly {
		if err := storeSystem.Lock(conglomerateLock); err != nil {
			return nil, fmt.Errorf("conglomerate: %w", err)
		}
	}

	c := &Conglomerate{
		opts:              opts,
		storeSystem:       storeSystem,
		tables:            make(map[int64]*mastertable.MasterTable),
		tableDefs:         make(map[int64]mastertable.DataTableDef),
		tableEncoded:      make(map[int64]string),
		tablesByName:      make(map[string]int64),
		droppedPending:    make(map[int64]*mastertable.MasterTable),
		pending:           make(map[int64]*pendingTable),
		stagedConstraints: make(map[*transaction.Transaction][]constraint.Constraint),
		stagedDrops:       make(map[*transaction.Transaction][]string),
		constraints:       constraint.NewEngine(nil),
	}

	fresh := !storeSystem.StoreExists(catalogStoreName)
	if fresh {
		if err := c.bootstrap(); err != nil {
			return nil, err
		}
	} else {
		if err := c.reopen(); err != nil {
			return nil, err
		}
	}

	log.Info(fmt.Sprintf("conglomerate opened at %s (commit_id=%d, tables=%d)", opts.DataDir, c.commitID, len(c.tables)))
	return c, nil
}

func (c *Conglomerate) bootstrap() error {
	var err error
	c.catalogStore, err = c.storeSystem.CreateStore(catalogStoreName)
	if err != nil {
		return err
	}
	c.state, err = statestore.Create(c.catalogStore)
	if err != nil {
		return err
	}
	c.metaStore, err = c.storeSystem.CreateStore(metaStoreName)
	if err != nil {
		return err
	}

	blobPath := filepath.Join(c.opts.DataDir, blobFileName)
	sectors, _, err := sectorstore.Open(blobPath, int32(c.opts.DefaultDataSectorSize), c.opts.ReadOnly)
	if err != nil {
		return err
	}
	c.blobSectors = sectors
	c.blobs = blobstore.Open(sectors)

	c.nextTableID = 1
	c.commitID = 1
	if err := c.writeRoot(); err != nil {
		return err
	}

	c.seq, err = mastertable.CreateSequence(c.metaStore, 0)
	if err != nil {
		return fmt.Errorf("conglomerate: create id sequence: %w", err)
	}
	if err := c.setSeqAreaID(c.seq.AreaID()); err != nil {
		return err
	}

	for _, def := range sysCatalogDefs() {
		if _, _, err := c.createVisibleTable(qualifiedName(def), def); err != nil {
			return fmt.Errorf("conglomerate: bootstrap %s: %w", qualifiedName(def), err)
		}
	}
	c.mu.Lock()
	err = c.publishStateLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.persistCatalog()
}

func (c *Conglomerate) reopen() error {
	var err error
	c.catalogStore, err = c.storeSystem.OpenStore(catalogStoreName)
	if err != nil {
		return err
	}
	c.state, err = statestore.Open(c.catalogStore)
	if err != nil {
		return err
	}
	c.metaStore, err = c.storeSystem.OpenStore(metaStoreName)
	if err != nil {
		return err
	}
	if err := c.readRoot(); err != nil {
		return err
	}

	blobPath := filepath.Join(c.opts.DataDir, blobFileName)
	sectors, dirty, err := sectorstore.Open(blobPath, int32(c.opts.DefaultDataSectorSize), c.opts.ReadOnly)
	if err != nil {
		return err
	}
	if dirty {
		log.Warn("blob store was not closed cleanly, running repair")
		if err := sectors.Repair(); err != nil {
			return fmt.Errorf("conglomerate: repair blob store: %w", err)
		}
	}
	c.blobSectors = sectors
	c.blobs = blobstore.Open(sectors)
	if snapshot, err := c.readBlobSnapshot(); err == nil {
		c.blobs.Restore(snapshot)
	}

	seqAreaID, err := c.readSeqAreaID()
	if err != nil {
		return err
	}
	c.seq = mastertable.OpenSequence(c.metaStore, seqAreaID)

	visible, err := c.state.Visible()
	if err != nil {
		return err
	}
	deleted, err := c.state.Deleted()
	if err != nil {
		return err
	}
	for _, e := range deleted {
		c.droppedPending[e.TableID] = nil
	}

	records, err := c.readCatalog()
	if err != nil {
		return err
	}
	byID := make(map[int64]tableRecord, len(records))
	for _, r := range records {
		byID[r.id] = r
	}
	for _, e := range visible {
		rec, ok := byID[e.TableID]
		if !ok {
			continue
		}
		st, err := c.storeSystem.OpenStore(rec.encodedName)
		if err != nil {
			return fmt.Errorf("conglomerate: open table store %s: %w", rec.encodedName, err)
		}
		table, err := mastertable.Open(st, e.TableID, rec.def)
		if err != nil {
			return fmt.Errorf("conglomerate: open table %s: %w", rec.name, err)
		}
		c.tables[e.TableID] = table
		c.tableDefs[e.TableID] = rec.def
		c.tableEncoded[e.TableID] = rec.encodedName
		c.tablesByName[rec.name] = e.TableID
	}

	// Clean-up: any table still on the pending-delete list is fully
	// removed. No transactions are open yet at process start, so every
	// pending-drop table qualifies.
	for _, e := range deleted {
		ident := ""
		if rec, ok := byID[e.TableID]; ok {
			ident = rec.encodedName
		} else if dec, err := decodeTableFileName(e.EncodedName); err == nil {
			ident = dec
		}
		if ident != "" {
			if st, err := c.storeSystem.OpenStore(ident); err == nil {
				_ = c.storeSystem.DeleteStore(st)
			}
		}
		delete(c.droppedPending, e.TableID)
	}

	return c.loadConstraints()
}

// publishStateLocked writes the current visible and pending-delete
// table sets to the state store as one atomic pointer swap. Caller
// holds c.mu.
func (c *Conglomerate) publishStateLocked() error {
	visible := make([]statestore.Entry, 0, len(c.tables))
	for id := range c.tables {
		visible = append(visible, statestore.Entry{TableID: id, EncodedName: encodeTableFileName(c.tableEncoded[id])})
	}
	deleted := make([]statestore.Entry, 0, len(c.droppedPending))
	for id := range c.droppedPending {
		deleted = append(deleted, statestore.Entry{TableID: id, EncodedName: encodeTableFileName(c.tableEncoded[id])})
	}
	return c.state.Publish(visible, deleted)
}

func (c *Conglomerate) writeRoot() error {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return err
	}
	c.metaStore.LockForWrite()
	defer c.metaStore.UnlockForWrite()
	area.SetPosition(0)
	if err := area.PutInt32(rootMagic); err != nil {
		return err
	}
	if err := area.PutInt64(c.commitID); err != nil {
		return err
	}
	if err := area.PutInt64(c.nextTableID); err != nil {
		return err
	}
	return area.CheckOut()
}

func (c *Conglomerate) readRoot() error {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return err
	}
	magic, err := area.GetInt32()
	if err != nil {
		return err
	}
	if magic != rootMagic {
		return fmt.Errorf("conglomerate: %w", engine.ErrBadMagic)
	}
	commitID, err := area.GetInt64()
	if err != nil {
		return err
	}
	nextTableID, err := area.GetInt64()
	if err != nil {
		return err
	}
	c.commitID = commitID
	c.nextTableID = nextTableID
	return nil
}

// Close checkpoints every open store, then releases the table stores
// and the process lock. The checkpoint must run before any store is
// disposed: it flushes each store's area directory, and a disposed
// store's file handle is already closed.
func (c *Conglomerate) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blobs != nil {
		if err := c.persistBlobSnapshot(); err != nil {
			log.Errorf("persist blob snapshot on close", err)
		}
	}
	if err := c.storeSystem.SetCheckPoint(); err != nil {
		log.Errorf("checkpoint on close", err)
	}
	for _, t := range c.tables {
		if err := t.Dispose(false); err != nil {
			log.Errorf("dispose table on close", err)
		}
	}
	for _, p := range c.pending {
		if err := p.table.Dispose(false); err != nil {
			log.Errorf("dispose pending table on close", err)
		}
	}
	for _, table := range c.droppedPending {
		if table == nil {
			continue
		}
		if err := table.Dispose(false); err != nil {
			log.Errorf("dispose deferred-drop table on close", err)
		}
	}
	if c.blobSectors != nil {
		if err := c.blobSectors.Close(); err != nil {
			log.Errorf("close blob store", err)
		}
	}
	if !c.opts.ReadOnly {
		_ = c.storeSystem.Unlock(conglomerateLock)
	}
	return nil
}

// Begin opens a new Transaction reading through the current commit id.
func (c *Conglomerate) Begin() *transaction.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := transaction.Begin(c.commitID, c, c, c.opts.ErrorOnDirtyRead)
	c.openTx = append(c.openTx, tx)
	metrics.OpenTransactions.Set(float64(len(c.openTx)))
	return tx
}

// TableNames returns the currently visible logical table names, sorted,
// for inspection tooling (cmd/pgstore).
func (c *Conglomerate) TableNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tablesByName))
	for name := range c.tablesByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommitID returns the conglomerate's current monotonic commit id.
func (c *Conglomerate) CommitID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitID
}

// OpenTransactionCount returns the number of transactions currently
// open against the conglomerate.
func (c *Conglomerate) OpenTransactionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.openTx)
}

// LookupTable implements transaction.TableRegistry.
func (c *Conglomerate) LookupTable(name string) (int64, *mastertable.MasterTable, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.tablesByName[name]
	if !ok {
		return 0, nil, false
	}
	return id, c.tables[id], true
}

// CreateTable implements transaction.TableRegistry: allocates a fresh
// table id and a dedicated physical store named with a uuid suffix. The
// table stays pending — invisible to every other transaction — until
// the creating transaction commits. Name checks are the caller's
// responsibility (Transaction.CreateTable performs them), since two
// open transactions are allowed to race on the same name.
func (c *Conglomerate) CreateTable(name string, def mastertable.DataTableDef, dataSectorSize, indexSectorSize int) (int64, *mastertable.MasterTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextTableID
	c.nextTableID++
	sourceIdent := "tbl_" + uuid.NewString()

	store, err := c.storeSystem.CreateStore(sourceIdent)
	if err != nil {
		return 0, nil, err
	}
	table, err := mastertable.Create(store, id, def)
	if err != nil {
		return 0, nil, err
	}
	c.pending[id] = &pendingTable{name: name, encodedName: sourceIdent, def: def, table: table}
	if err := c.writeRoot(); err != nil {
		return 0, nil, err
	}
	return id, table, nil
}

// createVisibleTable registers a table directly into the visible maps,
// bypassing the pending stage; only bootstrap uses it, before any
// transaction can exist.
func (c *Conglomerate) createVisibleTable(name string, def mastertable.DataTableDef) (int64, *mastertable.MasterTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tablesByName[name]; exists {
		return 0, nil, fmt.Errorf("conglomerate: %w: %s", engine.ErrTableExists, name)
	}
	id := c.nextTableID
	c.nextTableID++
	sourceIdent := "tbl_" + uuid.NewString()

	store, err := c.storeSystem.CreateStore(sourceIdent)
	if err != nil {
		return 0, nil, err
	}
	table, err := mastertable.Create(store, id, def)
	if err != nil {
		return 0, nil, err
	}
	c.tables[id] = table
	c.tableDefs[id] = def
	c.tableEncoded[id] = sourceIdent
	c.tablesByName[name] = id
	if err := c.writeRoot(); err != nil {
		return 0, nil, err
	}
	return id, table, nil
}

// SetExpressionEvaluator swaps the expression evaluator used for CHECK
// constraints, keeping every registered constraint intact.
func (c *Conglomerate) SetExpressionEvaluator(ev engine.ExpressionEvaluator) {
	c.constraints.SetEvaluator(ev)
}

// AddConstraint registers a schema constraint directly with the shared
// engine, bypassing system-table persistence; primarily for embedding
// callers that manage their own schema metadata. Persistent constraint
// DDL goes through AddPrimaryKey and friends.
func (c *Conglomerate) AddConstraint(cs constraint.Constraint) {
	c.constraints.Add(cs)
}

// AddListener registers a trigger hook fired inside the commit lock.
func (c *Conglomerate) AddListener(l engine.TransactionModificationListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *Conglomerate) persistCatalog() error {
	records := make([]tableRecord, 0, len(c.tables))
	for id, def := range c.tableDefs {
		records = append(records, tableRecord{id: id, name: reverseLookup(c.tablesByName, id), encodedName: c.tableEncoded[id], def: def})
	}
	buf := encodeTableCatalog(records)
	id, err := c.metaStore.CreateArea(int64(len(buf)))
	if err != nil {
		return err
	}
	area, err := c.metaStore.MutableArea(id)
	if err != nil {
		return err
	}
	if _, err := area.Write(buf); err != nil {
		return err
	}
	if err := area.CheckOut(); err != nil {
		return err
	}
	return c.setCatalogAreaID(id)
}

func reverseLookup(m map[string]int64, id int64) string {
	for name, tid := range m {
		if tid == id {
			return name
		}
	}
	return ""
}

// catalogAreaID/blobSnapshotAreaID live in a small second header word
// region right after the root header fields, written only when the
// catalog or blob snapshot actually changes (infrequent compared to
// commitID/nextTableID).
func (c *Conglomerate) setCatalogAreaID(id int64) error {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return err
	}
	c.metaStore.LockForWrite()
	defer c.metaStore.UnlockForWrite()
	area.SetPosition(20)
	if err := area.PutInt64(id); err != nil {
		return err
	}
	return area.CheckOut()
}

func (c *Conglomerate) readCatalog() ([]tableRecord, error) {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return nil, err
	}
	area.SetPosition(20)
	id, err := area.GetInt64()
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	ra, err := c.metaStore.OpenArea(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, ra.Length())
	if _, err := ra.Read(buf); err != nil {
		return nil, err
	}
	return decodeTableCatalog(buf)
}

func (c *Conglomerate) setBlobSnapshotAreaID(id int64) error {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return err
	}
	c.metaStore.LockForWrite()
	defer c.metaStore.UnlockForWrite()
	area.SetPosition(28)
	if err := area.PutInt64(id); err != nil {
		return err
	}
	return area.CheckOut()
}

func (c *Conglomerate) setSeqAreaID(id int64) error {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return err
	}
	c.metaStore.LockForWrite()
	defer c.metaStore.UnlockForWrite()
	area.SetPosition(36)
	if err := area.PutInt64(id); err != nil {
		return err
	}
	return area.CheckOut()
}

func (c *Conglomerate) readSeqAreaID() (int64, error) {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return 0, err
	}
	area.SetPosition(36)
	return area.GetInt64()
}

func (c *Conglomerate) persistBlobSnapshot() error {
	snapshot := c.blobs.Snapshot()
	buf := make([]byte, 0, 32*len(snapshot)+4)
	buf = appendU32(buf, uint32(len(snapshot)))
	for _, r := range snapshot {
		buf = appendU64(buf, uint64(r.ID))
		buf = appendU64(buf, uint64(r.Head))
		buf = appendU32(buf, uint32(r.TypeTag))
		buf = appendU64(buf, uint64(r.Size))
		buf = appendU32(buf, uint32(r.RefCount))
	}
	id, err := c.metaStore.CreateArea(int64(len(buf)))
	if err != nil {
		return err
	}
	area, err := c.metaStore.MutableArea(id)
	if err != nil {
		return err
	}
	if _, err := area.Write(buf); err != nil {
		return err
	}
	if err := area.CheckOut(); err != nil {
		return err
	}
	return c.setBlobSnapshotAreaID(id)
}

func (c *Conglomerate) readBlobSnapshot() ([]blobstore.Ref, error) {
	area, err := c.metaStore.FixedArea(-1)
	if err != nil {
		return nil, err
	}
	area.SetPosition(28)
	id, err := area.GetInt64()
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, fmt.Errorf("conglomerate: no blob snapshot yet")
	}
	ra, err := c.metaStore.OpenArea(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, ra.Length())
	if _, err := ra.Read(buf); err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("conglomerate: truncated blob snapshot")
	}
	count := int(binary.BigEndian.Uint32(buf))
	off := 4
	out := make([]blobstore.Ref, 0, count)
	for i := 0; i < count; i++ {
		if off+32 > len(buf) {
			break
		}
		id := binary.BigEndian.Uint64(buf[off:])
		off += 8
		head := binary.BigEndian.Uint64(buf[off:])
		off += 8
		typeTag := binary.BigEndian.Uint32(buf[off:])
		off += 4
		size := binary.BigEndian.Uint64(buf[off:])
		off += 8
		refCount := binary.BigEndian.Uint32(buf[off:])
		off += 4
		out = append(out, blobstore.Ref{ID: int64(id), Head: int64(head), TypeTag: int32(typeTag), Size: int64(size), RefCount: int32(refCount)})
	}
	return out, nil
}

// BlobStore exposes the conglomerate's large-object allocator.
func (c *Conglomerate) BlobStore() *blobstore.BlobStore { return c.blobs }

// CompactBlobStore sweeps unreferenced blobs and compacts the blob
// sector file, remapping surviving blob heads. Runs under the commit
// lock so no commit can interleave with the sector moves, and refuses
// to run while any transaction is open, since an open snapshot may
// still reach a blob whose reference count has dropped to zero.
func (c *Conglomerate) CompactBlobStore() (bool, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if open := c.OpenTransactionCount(); open > 0 {
		return false, fmt.Errorf("conglomerate: blob compaction refused while %d transactions are open", open)
	}
	moved, err := c.blobs.Compact()
	if err != nil {
		return false, err
	}
	metrics.SectorCompactionsTotal.Inc()
	metrics.SectorsUsed.WithLabelValues("blobs").Set(float64(c.blobSectors.SectorsUsed()))
	if err := c.persistBlobSnapshot(); err != nil {
		return moved, err
	}
	return moved, c.storeSystem.SetCheckPoint()
}
