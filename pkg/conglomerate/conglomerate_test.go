package conglomerate

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pgstore/pkg/constraint"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/stretchr/testify/assert"
)

func openTestConglomerate(t *testing.T) *Conglomerate {
	t.Helper()
	opts := engine.DefaultOptions(filepath.Join(t.TempDir(), "data"))
	c, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func widgetsDef() mastertable.DataTableDef {
	return mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "widgets",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "name", Kind: tobject.KindString, Nullable: true},
		},
	}
}

func TestOpenBootstrapsSystemCatalog(t *testing.T) {
	c := openTestConglomerate(t)
	for _, def := range sysCatalogDefs() {
		_, table, ok := c.LookupTable(qualifiedName(def))
		assert.True(t, ok, "system catalog table %s missing after bootstrap", qualifiedName(def))
		assert.NotNil(t, table)
	}
}

func TestCreateTableAddRowCommitVisible(t *testing.T) {
	c := openTestConglomerate(t)
	tx := c.Begin()
	ds, err := tx.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	row, err := ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("gear")})
	assert.NoError(t, err)
	assert.NoError(t, tx.CloseAndCommit())

	tx2 := c.Begin()
	ds2, err := tx2.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open in new tx: %v", err)
	}
	cells, err := ds2.GetRow(row)
	assert.NoError(t, err)
	name, _ := cells[1].String()
	assert.Equal(t, "gear", name)
	tx2.CloseAndRollback()
}

// TestRowRemoveClash: two concurrent transactions delete the same row
// and both try to commit; the second one must fail with
// ErrRowRemoveClash.
func TestRowRemoveClash(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	ds, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	row, err := ds.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("gear")})
	assert.NoError(t, err)
	assert.NoError(t, setup.CloseAndCommit())

	tx1 := c.Begin()
	ds1, err := tx1.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("tx1 open: %v", err)
	}
	assert.NoError(t, ds1.DeleteRow(row))

	tx2 := c.Begin()
	ds2, err := tx2.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("tx2 open: %v", err)
	}
	assert.NoError(t, ds2.DeleteRow(row))

	assert.NoError(t, tx1.CloseAndCommit(), "first committer wins")
	err = tx2.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrRowRemoveClash)
}

// TestPrimaryKeyViolationAtCommit: a duplicate primary key value is
// only caught at commit time, not at AddRow time (constraint checks run
// during ProcessCommit's check-view pass).
func TestPrimaryKeyViolationAtCommit(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	ds, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	c.AddConstraint(constraint.NewPrimaryKey("widgets_pk", ds.ID(), []int{0}, constraint.NotDeferrable))
	assert.NoError(t, setup.CloseAndCommit())

	tx := c.Begin()
	ds2, err := tx.Open("PUBLIC.widgets")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = ds2.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("a")})
	assert.NoError(t, err)
	_, err = ds2.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Str("b")})
	assert.NoError(t, err, "duplicate key is not checked until commit")
	err = tx.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrPrimaryKeyViolation)
}

// TestNamespaceClash: two transactions started from the same snapshot
// both drop the same table name; only the first commit may win, the
// second must see a namespace clash against the commit history it
// raced with.
func TestNamespaceClash(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	if _, err := setup.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024); err != nil {
		t.Fatalf("setup create: %v", err)
	}
	assert.NoError(t, setup.CloseAndCommit())

	tx1 := c.Begin()
	assert.NoError(t, tx1.DropTable("PUBLIC.widgets"))
	tx2 := c.Begin()
	assert.NoError(t, tx2.DropTable("PUBLIC.widgets"))

	assert.NoError(t, tx1.CloseAndCommit())
	err := tx2.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrDuplicateTable)
}

// TestCreateTableClashAtCommit: two concurrently open transactions may
// both create the same new table name — creates stay private to their
// transaction — but only the first to commit wins; the second fails the
// namespace-clash check.
func TestCreateTableClashAtCommit(t *testing.T) {
	c := openTestConglomerate(t)
	tx1 := c.Begin()
	_, err := tx1.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	assert.NoError(t, err)
	tx2 := c.Begin()
	_, err = tx2.CreateTable("PUBLIC.widgets", widgetsDef(), 2048, 1024)
	assert.NoError(t, err, "tx2 create should succeed while tx1's create is uncommitted")

	assert.NoError(t, tx1.CloseAndCommit())
	err = tx2.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrDuplicateTable)

	// tx1's table survives; tx2's pending table was discarded.
	tx3 := c.Begin()
	_, err = tx3.Open("PUBLIC.widgets")
	assert.NoError(t, err, "winner's table should be visible")
	tx3.CloseAndRollback()
}

// TestCreatedTableInvisibleUntilCommit: a table created inside an open
// transaction cannot be resolved by any other transaction, and a
// rollback leaves no trace of it.
func TestCreatedTableInvisibleUntilCommit(t *testing.T) {
	c := openTestConglomerate(t)
	tx1 := c.Begin()
	_, err := tx1.CreateTable("PUBLIC.ghost", widgetsDef(), 2048, 1024)
	assert.NoError(t, err)

	other := c.Begin()
	_, err = other.Open("PUBLIC.ghost")
	assert.ErrorIs(t, err, engine.ErrTableMissing)
	other.CloseAndRollback()
	tx1.CloseAndRollback()

	after := c.Begin()
	_, err = after.Open("PUBLIC.ghost")
	assert.ErrorIs(t, err, engine.ErrTableMissing)
	after.CloseAndRollback()
}

func parentChildDefs() (mastertable.DataTableDef, mastertable.DataTableDef) {
	parentDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC", TableName: "parents",
		Columns: []mastertable.ColumnDef{{Name: "id", Kind: tobject.KindInt64, Nullable: false}},
	}
	childDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC", TableName: "children",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "parent_id", Kind: tobject.KindInt64, Nullable: false},
		},
	}
	return parentDef, childDef
}

// TestForeignKeyDeferredPassesUntilCommit: a deferred FK is not
// checked until commit, so a child row can be inserted before its
// parent within the same transaction.
func TestForeignKeyDeferredPassesUntilCommit(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	parentDef, childDef := parentChildDefs()
	parents, err := setup.CreateTable("PUBLIC.parents", parentDef, 2048, 1024)
	if err != nil {
		t.Fatalf("create parents: %v", err)
	}
	children, err := setup.CreateTable("PUBLIC.children", childDef, 2048, 1024)
	if err != nil {
		t.Fatalf("create children: %v", err)
	}
	fk, err := constraint.NewForeignKey("children_parent_fk", children.ID(), []int{1}, parents.ID(), []int{0},
		constraint.NoAction, constraint.NoAction, constraint.InitiallyDeferred)
	assert.NoError(t, err)
	c.AddConstraint(fk)
	assert.NoError(t, setup.CloseAndCommit())

	tx := c.Begin()
	children, err = tx.Open("PUBLIC.children")
	if err != nil {
		t.Fatalf("open children: %v", err)
	}
	parents, err = tx.Open("PUBLIC.parents")
	if err != nil {
		t.Fatalf("open parents: %v", err)
	}
	// Insert the child before its parent exists in this same transaction;
	// a deferred FK must tolerate this ordering.
	_, err = children.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Int64(100)})
	assert.NoError(t, err)
	_, err = parents.AddRow([]tobject.TObject{tobject.Int64(100)})
	assert.NoError(t, err)
	assert.NoError(t, tx.CloseAndCommit(), "deferred FK satisfied by commit time should pass")
}

func TestForeignKeyDeferredStillFailsIfUnsatisfied(t *testing.T) {
	c := openTestConglomerate(t)
	setup := c.Begin()
	parentDef, childDef := parentChildDefs()
	parents, err := setup.CreateTable("PUBLIC.parents", parentDef, 2048, 1024)
	if err != nil {
		t.Fatalf("create parents: %v", err)
	}
	children, err := setup.CreateTable("PUBLIC.children", childDef, 2048, 1024)
	if err != nil {
		t.Fatalf("create children: %v", err)
	}
	fk, err := constraint.NewForeignKey("children_parent_fk", children.ID(), []int{1}, parents.ID(), []int{0},
		constraint.NoAction, constraint.NoAction, constraint.InitiallyDeferred)
	assert.NoError(t, err)
	c.AddConstraint(fk)
	assert.NoError(t, setup.CloseAndCommit())

	tx := c.Begin()
	childDS, err := tx.Open("PUBLIC.children")
	if err != nil {
		t.Fatalf("open children: %v", err)
	}
	_, err = childDS.AddRow([]tobject.TObject{tobject.Int64(1), tobject.Int64(999)})
	assert.NoError(t, err)
	err = tx.CloseAndCommit()
	assert.ErrorIs(t, err, engine.ErrForeignKeyViolation)
}
