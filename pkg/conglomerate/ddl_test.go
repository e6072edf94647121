package conglomerate

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pgstore/pkg/constraint"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/stretchr/testify/assert"
)

func TestReopenPersistsTablesAndRows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	opts := engine.DefaultOptions(dir)

	c, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := c.Begin()
	ds, err := tx.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	row, err := ds.AddRow([]tobject.TObject{tobject.Int64(7), tobject.Str("persisted")})
	assert.NoError(t, err)
	assert.NoError(t, tx.CloseAndCommit())
	commitID := c.CommitID()
	assert.NoError(t, c.Close())

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	assert.Equal(t, commitID, reopened.CommitID())

	tx2 := reopened.Begin()
	defer tx2.CloseAndRollback()
	ds2, err := tx2.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open table after reopen: %v", err)
	}
	cells, err := ds2.GetRow(row)
	assert.NoError(t, err)
	name, _ := cells[1].String()
	assert.Equal(t, "persisted", name)
}

func TestPrimaryKeyDDLPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	opts := engine.DefaultOptions(dir)

	c, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := c.Begin()
	if _, err := tx.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("create table: %v", err)
	}
	assert.NoError(t, tx.CloseAndCommit())

	ddl := c.Begin()
	assert.NoError(t, c.AddPrimaryKey(ddl, "widgets_pk", "PUBLIC", "widgets", []string{"id"}, constraint.NotDeferrable))
	assert.NoError(t, ddl.CloseAndCommit())
	assert.NoError(t, c.Close())

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	tx2 := reopened.Begin()
	ds, err := tx2.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("a")})
	assert.NoError(t, err)
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("b")})
	assert.NoError(t, err)
	err = tx2.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrPrimaryKeyViolation, "reloaded constraint should reject the duplicate")
}

func TestConstraintDDLRollsBackWithTransaction(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	if _, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("create table: %v", err)
	}
	assert.NoError(t, setup.CloseAndCommit())

	ddl := c.Begin()
	assert.NoError(t, c.AddPrimaryKey(ddl, "widgets_pk", "PUBLIC", "widgets", []string{"id"}, constraint.NotDeferrable))
	ddl.CloseAndRollback()

	// The rolled-back constraint must not be enforced.
	tx := c.Begin()
	ds, err := tx.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("a")})
	assert.NoError(t, err)
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("b")})
	assert.NoError(t, err)
	assert.NoError(t, tx.CloseAndCommit(), "duplicate rows should commit after the constraint rolled back")
}

func TestAddPrimaryKeyRejectsExistingViolation(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	ds, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("a")})
	assert.NoError(t, err)
	_, err = ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("b")})
	assert.NoError(t, err)
	assert.NoError(t, setup.CloseAndCommit())

	ddl := c.Begin()
	assert.NoError(t, c.AddPrimaryKey(ddl, "widgets_pk", "PUBLIC", "widgets", []string{"id"}, constraint.NotDeferrable))
	err = ddl.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrPrimaryKeyViolation, "adding a PK over duplicate rows must fail")
}

func TestDirtySelectFailsCommit(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	if _, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("create widgets: %v", err)
	}
	if _, err := setup.CreateTable("PUBLIC.audit", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("create audit: %v", err)
	}
	assert.NoError(t, setup.CloseAndCommit())

	reader := c.Begin()
	assert.NoError(t, reader.AddSelectedFromTable("PUBLIC.widgets"))
	audit, err := reader.Open("PUBLIC.audit")
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_, err = audit.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("log")})
	assert.NoError(t, err)

	writer := c.Begin()
	widgets, err := writer.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open widgets: %v", err)
	}
	_, err = widgets.AddRow([]tobject.TObject{tobject.Int64(9), tobject.Str("racer")})
	assert.NoError(t, err)
	assert.NoError(t, writer.CloseAndCommit())

	err = reader.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrDirtyTableSelect)
}

func TestDropTableBecomesInvisibleAfterCommit(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	if _, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("create: %v", err)
	}
	assert.NoError(t, setup.CloseAndCommit())

	dropper := c.Begin()
	assert.NoError(t, dropper.DropTable("PUBLIC.widgets"))
	assert.NoError(t, dropper.CloseAndCommit())

	after := c.Begin()
	defer after.CloseAndRollback()
	_, err := after.Open("PUBLIC.widgets")
	assert.ErrorIs(t, err, engine.ErrTableMissing)
}

// TestDropDeferredWhileSnapshotOpen: a committed drop of a table some
// open transaction still holds a snapshot over must not dispose the
// table out from under the reader; the store is reclaimed only after
// the last root-lock holder closes.
func TestDropDeferredWhileSnapshotOpen(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	ds, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	row, err := ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("held")})
	assert.NoError(t, err)
	assert.NoError(t, setup.CloseAndCommit())

	reader := c.Begin()
	readerDS, err := reader.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("reader open: %v", err)
	}
	assert.True(t, readerDS.MasterTable().IsRootLocked(), "reader's snapshot should hold the root-lock")

	dropper := c.Begin()
	assert.NoError(t, dropper.DropTable("PUBLIC.widgets"))
	assert.NoError(t, dropper.CloseAndCommit(), "the drop commits even while a snapshot is open")

	// New transactions can no longer resolve the name, but the reader's
	// snapshot keeps working: the disposal was deferred.
	fresh := c.Begin()
	_, err = fresh.Open("PUBLIC.widgets")
	assert.ErrorIs(t, err, engine.ErrTableMissing)
	fresh.CloseAndRollback()

	c.mu.Lock()
	deferred := len(c.droppedPending)
	c.mu.Unlock()
	assert.Equal(t, 1, deferred, "the drop should be parked on the pending-delete list")

	cells, err := readerDS.GetRow(row)
	assert.NoError(t, err, "reader must still be able to read through its snapshot")
	name, _ := cells[1].String()
	assert.Equal(t, "held", name)

	// Closing the reader releases the last root-lock; the deferred drop
	// is reclaimed on the way out.
	reader.CloseAndRollback()
	c.mu.Lock()
	deferred = len(c.droppedPending)
	c.mu.Unlock()
	assert.Equal(t, 0, deferred, "closing the last snapshot should reclaim the deferred drop")
}

func TestSequenceValuesAdvanceAndPersist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	opts := engine.DefaultOptions(dir)

	c, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := c.Begin()
	assert.NoError(t, c.CreateSequence(tx, "PUBLIC", "order_ids", SequenceParams{Start: 100}))
	first, err := c.NextSequenceValue(tx, "PUBLIC", "order_ids")
	assert.NoError(t, err)
	assert.Equal(t, int64(100), first)
	second, err := c.NextSequenceValue(tx, "PUBLIC", "order_ids")
	assert.NoError(t, err)
	assert.Equal(t, int64(101), second)
	assert.NoError(t, tx.CloseAndCommit())
	assert.NoError(t, c.Close())

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	tx2 := reopened.Begin()
	third, err := reopened.NextSequenceValue(tx2, "PUBLIC", "order_ids")
	assert.NoError(t, err)
	assert.Equal(t, int64(102), third)
	tx2.CloseAndRollback()
}

func TestCreateSchemaRejectsDuplicate(t *testing.T) {
	c := openTestConglomerate(t)
	tx := c.Begin()
	assert.NoError(t, c.CreateSchema(tx, "APP", "USER"))
	assert.NoError(t, tx.CloseAndCommit())

	tx2 := c.Begin()
	defer tx2.CloseAndRollback()
	assert.ErrorIs(t, c.CreateSchema(tx2, "APP", "USER"), engine.ErrSchemaExists)
	assert.ErrorIs(t, c.DropSchema(tx2, "NOPE"), engine.ErrSchemaMissing)
}
