package constraint

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/mastertable"
	"github.com/cuemby/pgstore/pkg/tobject"
)

// RowVariableResolver binds a single row's cells to its column names,
// implementing engine.VariableResolver for CHECK expression
// evaluation.
type RowVariableResolver struct {
	def   mastertable.DataTableDef
	cells []tobject.TObject
}

// NewRowVariableResolver binds def's column names to cells positionally.
func NewRowVariableResolver(def mastertable.DataTableDef, cells []tobject.TObject) *RowVariableResolver {
	return &RowVariableResolver{def: def, cells: cells}
}

// Resolve returns the value bound to columnName.
func (r *RowVariableResolver) Resolve(columnName string) (engine.TObjectLike, error) {
	idx := r.def.ColumnIndex(columnName)
	if idx < 0 || idx >= len(r.cells) {
		return tobject.TObject{}, fmt.Errorf("constraint: unknown column %q", columnName)
	}
	return r.cells[idx], nil
}
