package constraint

import (
	"context"
	"fmt"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/log"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
)

// TableView is the narrow read surface the constraint engine needs from
// a table's working set: pkg/transaction.MutableTableDataSource
// satisfies it without this package importing pkg/transaction.
type TableView interface {
	GetRow(row int64) ([]tobject.TObject, error)
	SelectEqual(col int, value tobject.TObject) []int64
	RowEnumeration() ([]int64, error)
	Def() mastertable.DataTableDef
}

// TableLookup resolves a table id to its working view within the
// transaction currently being checked (the FK checks below need both
// sides of a reference, not just the table being validated).
type TableLookup func(tableID int64) (TableView, error)

// Engine holds every registered constraint, keyed both by its own table
// (for add/check-side enforcement) and by the table it references (for
// remove-side inbound-reference enforcement).
type Engine struct {
	byTable    map[int64][]Constraint
	byRefTable map[int64][]Constraint
	evaluator  engine.ExpressionEvaluator
}

// NewEngine returns an Engine that evaluates CHECK expressions with
// evaluator (nil is valid: CHECK constraints then always pass with a
// logged warning, matching the NULL/non-boolean treatment).
func NewEngine(evaluator engine.ExpressionEvaluator) *Engine {
	return &Engine{
		byTable:    make(map[int64][]Constraint),
		byRefTable: make(map[int64][]Constraint),
		evaluator:  evaluator,
	}
}

// Add registers c.
func (e *Engine) Add(c Constraint) {
	e.byTable[c.TableID] = append(e.byTable[c.TableID], c)
	if c.Kind == ForeignKey {
		e.byRefTable[c.RefTableID] = append(e.byRefTable[c.RefTableID], c)
	}
}

// Remove unregisters every constraint named name. Constraint names are
// unique across the conglomerate, so at most one entry matches.
func (e *Engine) Remove(name string) {
	filter := func(m map[int64][]Constraint) {
		for id, list := range m {
			kept := list[:0]
			for _, c := range list {
				if c.Name != name {
					kept = append(kept, c)
				}
			}
			m[id] = kept
		}
	}
	filter(e.byTable)
	filter(e.byRefTable)
}

// SetEvaluator swaps the CHECK expression evaluator without disturbing
// the registered constraint set.
func (e *Engine) SetEvaluator(ev engine.ExpressionEvaluator) { e.evaluator = ev }

// ForCommit returns a detached copy of e with adds applied and the
// named drops filtered out, for validating a single commit without
// mutating the shared set.
func (e *Engine) ForCommit(adds []Constraint, drops []string) *Engine {
	cp := NewEngine(e.evaluator)
	dropped := make(map[string]bool, len(drops))
	for _, name := range drops {
		dropped[name] = true
	}
	for _, list := range e.byTable {
		for _, c := range list {
			if !dropped[c.Name] {
				cp.Add(c)
			}
		}
	}
	for _, c := range adds {
		cp.Add(c)
	}
	return cp
}

// For returns every constraint registered against tableID.
func (e *Engine) For(tableID int64) []Constraint { return e.byTable[tableID] }

func tupleOf(cells []tobject.TObject, cols []int) []tobject.TObject {
	out := make([]tobject.TObject, len(cols))
	for i, c := range cols {
		if c >= 0 && c < len(cells) {
			out[i] = cells[c]
		}
	}
	return out
}

func tupleHasNull(t []tobject.TObject) bool {
	for _, v := range t {
		if v.IsNull() {
			return true
		}
	}
	return false
}

func tupleEqual(a, b []tobject.TObject) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].IsNull() || b[i].IsNull() {
			if a[i].IsNull() != b[i].IsNull() {
				return false
			}
			continue
		}
		if a[i].Compare(b[i]) != 0 {
			return false
		}
	}
	return true
}

// due selects constraints whose deferral mode matches the pass being
// run: deferredPass runs only InitiallyDeferred constraints, the
// immediate pass runs everything else. Both passes run at commit; row
// operations inside a transaction are never individually checked, so
// the immediate pass is the earliest point a violation can surface.
func due(c Constraint, deferredPass bool) bool {
	if deferredPass {
		return c.Mode == InitiallyDeferred
	}
	return c.Mode != InitiallyDeferred
}

// CheckAddedRows runs PK/UK/FK-outbound/CHECK validation for rows
// newly added to tableID.
func (e *Engine) CheckAddedRows(ctx context.Context, view TableView, tableID int64, rows []int64, lookup TableLookup, deferredPass bool) error {
	def := view.Def()
	for _, c := range e.For(tableID) {
		if !due(c, deferredPass) {
			continue
		}
		switch c.Kind {
		case PrimaryKey, Unique:
			if err := e.checkKey(view, c, rows); err != nil {
				return err
			}
		case ForeignKey:
			if err := e.checkForeignKeyOutbound(view, c, rows, lookup); err != nil {
				return err
			}
		case Check:
			if err := e.checkExpression(ctx, def, view, c, rows); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) checkKey(view TableView, c Constraint, rows []int64) error {
	for _, row := range rows {
		cells, err := view.GetRow(row)
		if err != nil {
			return err
		}
		tuple := tupleOf(cells, c.Columns)
		if c.Kind == PrimaryKey && tupleHasNull(tuple) {
			return engine.Wrap(engine.ErrNullableViolation, fmt.Sprintf("table:%d", c.TableID), row, 0,
				"primary key %s: column in %v is null", c.Name, c.Columns)
		}
		if c.Kind == Unique && tupleHasNull(tuple) {
			continue // UK permits NULL tuples
		}
		if len(c.Columns) == 0 {
			continue
		}
		candidates := view.SelectEqual(c.Columns[0], tuple[0])
		matches := 0
		for _, cand := range candidates {
			candCells, err := view.GetRow(cand)
			if err != nil {
				return err
			}
			if tupleEqual(tuple, tupleOf(candCells, c.Columns)) {
				matches++
			}
		}
		if matches > 1 {
			sentinel := engine.ErrUniqueViolation
			if c.Kind == PrimaryKey {
				sentinel = engine.ErrPrimaryKeyViolation
			}
			return engine.Wrap(sentinel, fmt.Sprintf("table:%d", c.TableID), row, 0,
				"%s %s: tuple %v duplicated across %d rows", c.Kind, c.Name, c.Columns, matches)
		}
	}
	return nil
}

func (e *Engine) checkForeignKeyOutbound(view TableView, c Constraint, rows []int64, lookup TableLookup) error {
	var refView TableView // resolved on the first row that needs it
	for _, row := range rows {
		cells, err := view.GetRow(row)
		if err != nil {
			return err
		}
		tuple := tupleOf(cells, c.Columns)
		if tupleHasNull(tuple) {
			continue // a foreign key is only enforced when every column is non-NULL
		}
		if len(c.RefColumns) == 0 {
			continue
		}
		if refView == nil {
			if refView, err = lookup(c.RefTableID); err != nil {
				return err
			}
		}
		candidates := refView.SelectEqual(c.RefColumns[0], tuple[0])
		found := false
		for _, cand := range candidates {
			candCells, err := refView.GetRow(cand)
			if err != nil {
				return err
			}
			if tupleEqual(tuple, tupleOf(candCells, c.RefColumns)) {
				found = true
				break
			}
		}
		if !found {
			return engine.Wrap(engine.ErrForeignKeyViolation, fmt.Sprintf("table:%d", c.TableID), row, 0,
				"foreign key %s: tuple %v not present in table %d", c.Name, tuple, c.RefTableID)
		}
	}
	return nil
}

func (e *Engine) checkExpression(ctx context.Context, def mastertable.DataTableDef, view TableView, c Constraint, rows []int64) error {
	if e.evaluator == nil {
		log.Warn(fmt.Sprintf("check constraint %q not evaluated: no expression evaluator, treated as pass", c.Name))
		return nil
	}
	for _, row := range rows {
		cells, err := view.GetRow(row)
		if err != nil {
			return err
		}
		resolver := NewRowVariableResolver(def, cells)
		result, err := e.evaluator.Evaluate(ctx, c.Expression, resolver, nil)
		if err != nil {
			return err
		}
		if result == nil || result.IsNull() {
			log.Warn(fmt.Sprintf("check constraint %q evaluated to NULL, treated as pass", c.Name))
			continue
		}
		b, ok := result.(tobject.TObject)
		if !ok {
			log.Warn(fmt.Sprintf("check constraint %q evaluated to a non-tobject result, treated as pass", c.Name))
			continue
		}
		v, isBool := b.Bool()
		if !isBool {
			log.Warn(fmt.Sprintf("check constraint %q evaluated to a non-boolean, treated as pass", c.Name))
			continue
		}
		if !v {
			return engine.Wrap(engine.ErrCheckViolation, fmt.Sprintf("table:%d", c.TableID), row, 0,
				"check %s failed", c.Name)
		}
	}
	return nil
}

// CheckRemovedRows counts inbound FK references for rows being removed
// from tableID; any count > 0 is a violation. Every accepted rule
// enforces identically as inbound-reference rejection; the referential
// actions that would require rewriting child rows are rejected at
// constraint creation.
func (e *Engine) CheckRemovedRows(view TableView, tableID int64, rows []int64, lookup TableLookup, deferredPass bool) error {
	for _, fk := range e.byRefTable[tableID] {
		if !due(fk, deferredPass) {
			continue
		}
		childView, err := lookup(fk.TableID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cells, err := view.GetRow(row)
			if err != nil {
				return err
			}
			tuple := tupleOf(cells, fk.RefColumns)
			if tupleHasNull(tuple) {
				continue
			}
			if len(fk.Columns) == 0 {
				continue
			}
			candidates := childView.SelectEqual(fk.Columns[0], tuple[0])
			count := 0
			for _, cand := range candidates {
				candCells, err := childView.GetRow(cand)
				if err != nil {
					return err
				}
				if tupleEqual(tuple, tupleOf(candCells, fk.Columns)) {
					count++
				}
			}
			if count > 0 {
				return engine.Wrap(engine.ErrForeignKeyViolation, fmt.Sprintf("table:%d", tableID), row, 0,
					"foreign key %s: %d inbound reference(s) from table %d still live", fk.Name, count, fk.TableID)
			}
		}
	}
	return nil
}
