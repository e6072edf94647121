package constraint

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
)

// fakeView is a minimal in-memory TableView for exercising the
// constraint engine without a real mastertable/blockstore stack.
type fakeView struct {
	def  mastertable.DataTableDef
	rows map[int64][]tobject.TObject
}

func newFakeView(def mastertable.DataTableDef) *fakeView {
	return &fakeView{def: def, rows: make(map[int64][]tobject.TObject)}
}

func (v *fakeView) put(row int64, cells ...tobject.TObject) { v.rows[row] = cells }

func (v *fakeView) GetRow(row int64) ([]tobject.TObject, error) {
	cells, ok := v.rows[row]
	if !ok {
		return nil, errors.New("fakeView: no such row")
	}
	return cells, nil
}

func (v *fakeView) SelectEqual(col int, value tobject.TObject) []int64 {
	var out []int64
	for row, cells := range v.rows {
		if col < 0 || col >= len(cells) {
			continue
		}
		if cells[col].IsNull() || value.IsNull() {
			continue
		}
		if cells[col].Compare(value) == 0 {
			out = append(out, row)
		}
	}
	return out
}

func (v *fakeView) RowEnumeration() ([]int64, error) {
	out := make([]int64, 0, len(v.rows))
	for row := range v.rows {
		out = append(out, row)
	}
	return out, nil
}

func (v *fakeView) Def() mastertable.DataTableDef { return v.def }

func widgetsTestDef() mastertable.DataTableDef {
	return mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "widgets",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "name", Kind: tobject.KindString, Nullable: true},
		},
	}
}

func TestCheckKeyRejectsDuplicatePrimaryKey(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Int64(1), tobject.Str("a"))
	view.put(2, tobject.Int64(1), tobject.Str("b"))

	e := NewEngine(nil)
	pk := NewPrimaryKey("widgets_pk", 1, []int{0}, NotDeferrable)
	e.Add(pk)

	err := e.CheckAddedRows(context.Background(), view, 1, []int64{1, 2}, nil, false)
	if err == nil {
		t.Fatal("expected primary key violation")
	}
	if !errors.Is(err, engine.ErrPrimaryKeyViolation) {
		t.Fatalf("err = %v, want ErrPrimaryKeyViolation", err)
	}
}

func TestCheckKeyRejectsNullPrimaryKeyColumn(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Null(tobject.KindInt64), tobject.Str("a"))

	e := NewEngine(nil)
	e.Add(NewPrimaryKey("widgets_pk", 1, []int{0}, NotDeferrable))

	err := e.CheckAddedRows(context.Background(), view, 1, []int64{1}, nil, false)
	if !errors.Is(err, engine.ErrNullableViolation) {
		t.Fatalf("err = %v, want ErrNullableViolation", err)
	}
}

func TestCheckKeyUniqueAllowsMultipleNulls(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Int64(1), tobject.Null(tobject.KindString))
	view.put(2, tobject.Int64(2), tobject.Null(tobject.KindString))

	e := NewEngine(nil)
	e.Add(NewUnique("widgets_name_uk", 1, []int{1}, NotDeferrable))

	if err := e.CheckAddedRows(context.Background(), view, 1, []int64{1, 2}, nil, false); err != nil {
		t.Fatalf("unique constraint should permit NULLs unchecked: %v", err)
	}
}

func TestCheckForeignKeyOutboundMissingParent(t *testing.T) {
	parentDef := widgetsTestDef()
	childDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "orders",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "widget_id", Kind: tobject.KindInt64, Nullable: true},
		},
	}
	parent := newFakeView(parentDef)
	child := newFakeView(childDef)
	child.put(100, tobject.Int64(100), tobject.Int64(999))

	e := NewEngine(nil)
	fk, err := NewForeignKey("orders_widget_fk", 2, []int{1}, 1, []int{0}, NoAction, NoAction, NotDeferrable)
	if err != nil {
		t.Fatalf("new foreign key: %v", err)
	}
	e.Add(fk)

	lookup := func(tableID int64) (TableView, error) {
		if tableID == 1 {
			return parent, nil
		}
		return child, nil
	}

	err = e.CheckAddedRows(context.Background(), child, 2, []int64{100}, lookup, false)
	if !errors.Is(err, engine.ErrForeignKeyViolation) {
		t.Fatalf("err = %v, want ErrForeignKeyViolation", err)
	}
}

func TestCheckForeignKeyOutboundSatisfiedParent(t *testing.T) {
	parentDef := widgetsTestDef()
	childDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "orders",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "widget_id", Kind: tobject.KindInt64, Nullable: true},
		},
	}
	parent := newFakeView(parentDef)
	parent.put(1, tobject.Int64(1), tobject.Str("a"))
	child := newFakeView(childDef)
	child.put(100, tobject.Int64(100), tobject.Int64(1))

	e := NewEngine(nil)
	fk, err := NewForeignKey("orders_widget_fk", 2, []int{1}, 1, []int{0}, NoAction, NoAction, NotDeferrable)
	if err != nil {
		t.Fatalf("new foreign key: %v", err)
	}
	e.Add(fk)

	lookup := func(tableID int64) (TableView, error) {
		if tableID == 1 {
			return parent, nil
		}
		return child, nil
	}

	if err := e.CheckAddedRows(context.Background(), child, 2, []int64{100}, lookup, false); err != nil {
		t.Fatalf("satisfied foreign key should pass: %v", err)
	}
}

func TestCheckForeignKeyOutboundSkipsNullTuple(t *testing.T) {
	childDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "orders",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "widget_id", Kind: tobject.KindInt64, Nullable: true},
		},
	}
	child := newFakeView(childDef)
	child.put(100, tobject.Int64(100), tobject.Null(tobject.KindInt64))

	e := NewEngine(nil)
	fk, err := NewForeignKey("orders_widget_fk", 2, []int{1}, 1, []int{0}, NoAction, NoAction, NotDeferrable)
	if err != nil {
		t.Fatalf("new foreign key: %v", err)
	}
	e.Add(fk)

	lookup := func(tableID int64) (TableView, error) {
		t.Fatal("lookup should not be reached when the FK column tuple is null")
		return nil, nil
	}

	if err := e.CheckAddedRows(context.Background(), child, 2, []int64{100}, lookup, false); err != nil {
		t.Fatalf("null FK tuple should be skipped: %v", err)
	}
}

func TestCheckRemovedRowsRejectsLiveInboundReference(t *testing.T) {
	parent := newFakeView(widgetsTestDef())
	parent.put(1, tobject.Int64(1), tobject.Str("a"))
	childDef := mastertable.DataTableDef{
		SchemaName: "PUBLIC",
		TableName:  "orders",
		Columns: []mastertable.ColumnDef{
			{Name: "id", Kind: tobject.KindInt64, Nullable: false},
			{Name: "widget_id", Kind: tobject.KindInt64, Nullable: true},
		},
	}
	child := newFakeView(childDef)
	child.put(100, tobject.Int64(100), tobject.Int64(1))

	e := NewEngine(nil)
	fk, err := NewForeignKey("orders_widget_fk", 2, []int{1}, 1, []int{0}, NoAction, Restrict, NotDeferrable)
	if err != nil {
		t.Fatalf("new foreign key: %v", err)
	}
	e.Add(fk)

	lookup := func(tableID int64) (TableView, error) {
		if tableID == 2 {
			return child, nil
		}
		return parent, nil
	}

	err = e.CheckRemovedRows(parent, 1, []int64{1}, lookup, false)
	if !errors.Is(err, engine.ErrForeignKeyViolation) {
		t.Fatalf("err = %v, want ErrForeignKeyViolation", err)
	}
}

func TestNewForeignKeyRejectsCascade(t *testing.T) {
	_, err := NewForeignKey("fk", 2, []int{1}, 1, []int{0}, Cascade, NoAction, NotDeferrable)
	if !errors.Is(err, engine.ErrUnsupportedFKRule) {
		t.Fatalf("err = %v, want ErrUnsupportedFKRule", err)
	}
}

func TestDueSelectsByDeferralMode(t *testing.T) {
	immediate := NewUnique("u1", 1, []int{0}, InitiallyImmediate)
	deferred := NewUnique("u2", 1, []int{0}, InitiallyDeferred)

	if !due(immediate, false) || due(immediate, true) {
		t.Fatal("immediate constraint should run only in the immediate pass")
	}
	if due(deferred, false) || !due(deferred, true) {
		t.Fatal("deferred constraint should run only in the deferred pass")
	}
}

// fakeEvaluator evaluates every expression to the boolean it was
// constructed with, letting checkExpression's NULL/non-bool handling be
// exercised without a real expression language.
type fakeEvaluator struct {
	result tobject.TObject
	err    error
}

func (f fakeEvaluator) Evaluate(ctx context.Context, expression any, resolver engine.VariableResolver, queryContext any) (engine.TObjectLike, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestCheckExpressionRejectsFalse(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Int64(1), tobject.Str("a"))

	e := NewEngine(fakeEvaluator{result: tobject.Bool(false)})
	e.Add(NewCheck("widgets_name_chk", 1, "name <> ''", NotDeferrable))

	err := e.CheckAddedRows(context.Background(), view, 1, []int64{1}, nil, false)
	if !errors.Is(err, engine.ErrCheckViolation) {
		t.Fatalf("err = %v, want ErrCheckViolation", err)
	}
}

func TestCheckExpressionTreatsNullAsPass(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Int64(1), tobject.Str("a"))

	e := NewEngine(fakeEvaluator{result: tobject.Null(tobject.KindBoolean)})
	e.Add(NewCheck("widgets_name_chk", 1, "name <> ''", NotDeferrable))

	if err := e.CheckAddedRows(context.Background(), view, 1, []int64{1}, nil, false); err != nil {
		t.Fatalf("a NULL check result should pass: %v", err)
	}
}

func TestCheckExpressionNilEvaluatorAlwaysPasses(t *testing.T) {
	view := newFakeView(widgetsTestDef())
	view.put(1, tobject.Int64(1), tobject.Str("a"))

	e := NewEngine(nil)
	e.Add(NewCheck("widgets_name_chk", 1, "name <> ''", NotDeferrable))

	if err := e.CheckAddedRows(context.Background(), view, 1, []int64{1}, nil, false); err != nil {
		t.Fatalf("a nil evaluator should never fail a CHECK constraint: %v", err)
	}
}
