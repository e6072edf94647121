package conglomerate

import (
	"fmt"
	"math"

	"github.com/cuemby/pgstore/pkg/constraint"
	"github.com/cuemby/pgstore/pkg/engine"
	"github.com/cuemby/pgstore/pkg/log"
	"github.com/cuemby/pgstore/pkg/tobject"
	"github.com/cuemby/pgstore/pkg/transaction"
)

// Constraint, schema, and sequence DDL all manipulate rows in the fixed
// SYS_INFO tables through the issuing transaction's own working sets,
// so the metadata rows commit or roll back together with everything
// else the transaction did. The in-memory constraint engine is only
// updated at a successful commit (see applyStagedConstraints).

const (
	tableSchemaInfo     = "SYS_INFO.SchemaInfo"
	tablePKeyInfo       = "SYS_INFO.PKeyInfo"
	tablePrimaryColumns = "SYS_INFO.PrimaryColumns"
	tableUniqueInfo     = "SYS_INFO.UniqueInfo"
	tableUniqueColumns  = "SYS_INFO.UniqueColumns"
	tableFKeyInfo       = "SYS_INFO.FKeyInfo"
	tableForeignColumns = "SYS_INFO.ForeignColumns"
	tableCheckInfo      = "SYS_INFO.CheckInfo"
	tableSequenceInfo   = "SYS_INFO.SequenceInfo"
	tableSequence       = "SYS_INFO.Sequence"
)

func qualified(schema, table string) string { return schema + "." + table }

func resolveColumns(ds *transaction.MutableTableDataSource, names []string) ([]int, error) {
	def := ds.Def()
	out := make([]int, len(names))
	for i, n := range names {
		pos := def.ColumnIndex(n)
		if pos < 0 {
			return nil, fmt.Errorf("conglomerate: table %s has no column %q", ds.Name(), n)
		}
		out[i] = pos
	}
	return out, nil
}

func modeDeferred(mode constraint.Mode) bool { return mode == constraint.InitiallyDeferred }

func modeFromDeferred(deferred bool) constraint.Mode {
	if deferred {
		return constraint.InitiallyDeferred
	}
	return constraint.NotDeferrable
}

func (c *Conglomerate) stageConstraint(tx *transaction.Transaction, cs constraint.Constraint) {
	c.mu.Lock()
	c.stagedConstraints[tx] = append(c.stagedConstraints[tx], cs)
	c.mu.Unlock()
}

// AddPrimaryKey records a primary-key constraint in the system tables
// and stages it for enforcement once tx commits. The commit re-checks
// every visible row of the table against it.
func (c *Conglomerate) AddPrimaryKey(tx *transaction.Transaction, name, schema, table string, columns []string, mode constraint.Mode) error {
	ds, err := tx.Open(qualified(schema, table))
	if err != nil {
		return err
	}
	positions, err := resolveColumns(ds, columns)
	if err != nil {
		return err
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}

	info, err := tx.Open(tablePKeyInfo)
	if err != nil {
		return err
	}
	if _, err := info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(name), tobject.Str(schema), tobject.Str(table),
		tobject.Bool(modeDeferred(mode)),
	}); err != nil {
		return err
	}
	cols, err := tx.Open(tablePrimaryColumns)
	if err != nil {
		return err
	}
	for i, colName := range columns {
		if _, err := cols.AddRow([]tobject.TObject{
			tobject.Int64(id), tobject.Str(colName), tobject.Int64(int64(i)),
		}); err != nil {
			return err
		}
	}

	tx.Journal().ConstraintAlter(ds.ID())
	c.stageConstraint(tx, constraint.NewPrimaryKey(name, ds.ID(), positions, mode))
	return nil
}

// AddUnique records a unique constraint in the system tables and stages
// it for enforcement once tx commits.
func (c *Conglomerate) AddUnique(tx *transaction.Transaction, name, schema, table string, columns []string, mode constraint.Mode) error {
	ds, err := tx.Open(qualified(schema, table))
	if err != nil {
		return err
	}
	positions, err := resolveColumns(ds, columns)
	if err != nil {
		return err
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}

	info, err := tx.Open(tableUniqueInfo)
	if err != nil {
		return err
	}
	if _, err := info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(name), tobject.Str(schema), tobject.Str(table),
		tobject.Bool(modeDeferred(mode)),
	}); err != nil {
		return err
	}
	cols, err := tx.Open(tableUniqueColumns)
	if err != nil {
		return err
	}
	for i, colName := range columns {
		if _, err := cols.AddRow([]tobject.TObject{
			tobject.Int64(id), tobject.Str(colName), tobject.Int64(int64(i)),
		}); err != nil {
			return err
		}
	}

	tx.Journal().ConstraintAlter(ds.ID())
	c.stageConstraint(tx, constraint.NewUnique(name, ds.ID(), positions, mode))
	return nil
}

// AddForeignKey records a foreign-key constraint in the system tables
// and stages it for enforcement once tx commits. Referential actions
// other than NO ACTION and RESTRICT are rejected here rather than
// stored and silently unenforced.
func (c *Conglomerate) AddForeignKey(tx *transaction.Transaction, name, schema, table string, columns []string,
	refSchema, refTable string, refColumns []string, updateRule, deleteRule constraint.FKRule, mode constraint.Mode) error {
	if len(columns) != len(refColumns) {
		return fmt.Errorf("conglomerate: foreign key %q has %d local columns but %d referenced columns", name, len(columns), len(refColumns))
	}
	ds, err := tx.Open(qualified(schema, table))
	if err != nil {
		return err
	}
	refDS, err := tx.Open(qualified(refSchema, refTable))
	if err != nil {
		return err
	}
	positions, err := resolveColumns(ds, columns)
	if err != nil {
		return err
	}
	refPositions, err := resolveColumns(refDS, refColumns)
	if err != nil {
		return err
	}
	cs, err := constraint.NewForeignKey(name, ds.ID(), positions, refDS.ID(), refPositions, updateRule, deleteRule, mode)
	if err != nil {
		return err
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}

	info, err := tx.Open(tableFKeyInfo)
	if err != nil {
		return err
	}
	if _, err := info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(name), tobject.Str(schema), tobject.Str(table),
		tobject.Str(refSchema), tobject.Str(refTable),
		tobject.Str(updateRule.String()), tobject.Str(deleteRule.String()),
		tobject.Bool(modeDeferred(mode)),
	}); err != nil {
		return err
	}
	cols, err := tx.Open(tableForeignColumns)
	if err != nil {
		return err
	}
	for i := range columns {
		if _, err := cols.AddRow([]tobject.TObject{
			tobject.Int64(id), tobject.Str(columns[i]), tobject.Str(refColumns[i]), tobject.Int64(int64(i)),
		}); err != nil {
			return err
		}
	}

	tx.Journal().ConstraintAlter(ds.ID())
	c.stageConstraint(tx, cs)
	return nil
}

// AddCheck records a check constraint in the system tables and stages
// it for enforcement once tx commits. The expression is opaque to the
// engine and handed to the configured ExpressionEvaluator at check
// time.
func (c *Conglomerate) AddCheck(tx *transaction.Transaction, name, schema, table, expression string, mode constraint.Mode) error {
	ds, err := tx.Open(qualified(schema, table))
	if err != nil {
		return err
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}

	info, err := tx.Open(tableCheckInfo)
	if err != nil {
		return err
	}
	if _, err := info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(name), tobject.Str(schema), tobject.Str(table),
		tobject.Str(expression), tobject.Bool(modeDeferred(mode)), tobject.Null(tobject.KindString),
	}); err != nil {
		return err
	}

	tx.Journal().ConstraintAlter(ds.ID())
	c.stageConstraint(tx, constraint.NewCheck(name, ds.ID(), expression, mode))
	return nil
}

// DropConstraint removes the named constraint's system-table rows and
// stages its removal from the enforcement engine once tx commits.
func (c *Conglomerate) DropConstraint(tx *transaction.Transaction, name, schema, table string) error {
	type infoTable struct {
		info    string
		columns string
		colKey  int // position of the owning id in the columns table
	}
	sources := []infoTable{
		{tablePKeyInfo, tablePrimaryColumns, 0},
		{tableUniqueInfo, tableUniqueColumns, 0},
		{tableFKeyInfo, tableForeignColumns, 0},
		{tableCheckInfo, "", 0},
	}

	for _, src := range sources {
		info, err := tx.Open(src.info)
		if err != nil {
			return err
		}
		rows, err := info.RowEnumeration()
		if err != nil {
			return err
		}
		for _, row := range rows {
			cells, err := info.GetRow(row)
			if err != nil {
				return err
			}
			gotName, _ := cells[1].String()
			gotSchema, _ := cells[2].String()
			gotTable, _ := cells[3].String()
			if gotName != name || gotSchema != schema || gotTable != table {
				continue
			}
			id, _ := cells[0].Int64()
			if err := info.DeleteRow(row); err != nil {
				return err
			}
			if src.columns != "" {
				cols, err := tx.Open(src.columns)
				if err != nil {
					return err
				}
				colRows, err := cols.RowEnumeration()
				if err != nil {
					return err
				}
				for _, colRow := range colRows {
					colCells, err := cols.GetRow(colRow)
					if err != nil {
						return err
					}
					if ownerID, _ := colCells[src.colKey].Int64(); ownerID == id {
						if err := cols.DeleteRow(colRow); err != nil {
							return err
						}
					}
				}
			}
			if ds, err := tx.Open(qualified(schema, table)); err == nil {
				tx.Journal().ConstraintAlter(ds.ID())
			}
			c.mu.Lock()
			c.stagedDrops[tx] = append(c.stagedDrops[tx], name)
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("conglomerate: no constraint %q on %s", name, qualified(schema, table))
}

// CreateSchema records a schema in SYS_INFO.SchemaInfo.
func (c *Conglomerate) CreateSchema(tx *transaction.Transaction, name, schemaType string) error {
	info, err := tx.Open(tableSchemaInfo)
	if err != nil {
		return err
	}
	rows, err := info.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range rows {
		cells, err := info.GetRow(row)
		if err != nil {
			return err
		}
		if existing, _ := cells[1].String(); existing == name {
			return fmt.Errorf("conglomerate: %w: %s", engine.ErrSchemaExists, name)
		}
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}
	_, err = info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(name), tobject.Str(schemaType), tobject.Null(tobject.KindString),
	})
	return err
}

// DropSchema removes a schema row. The schema must hold no visible
// tables.
func (c *Conglomerate) DropSchema(tx *transaction.Transaction, name string) error {
	c.mu.Lock()
	for qualifiedName := range c.tablesByName {
		if len(qualifiedName) > len(name) && qualifiedName[:len(name)+1] == name+"." {
			c.mu.Unlock()
			return fmt.Errorf("conglomerate: schema %q is not empty", name)
		}
	}
	c.mu.Unlock()

	info, err := tx.Open(tableSchemaInfo)
	if err != nil {
		return err
	}
	rows, err := info.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range rows {
		cells, err := info.GetRow(row)
		if err != nil {
			return err
		}
		if existing, _ := cells[1].String(); existing == name {
			return info.DeleteRow(row)
		}
	}
	return fmt.Errorf("conglomerate: %w: %s", engine.ErrSchemaMissing, name)
}

// SequenceParams configures a sequence generator. Zero values take the
// usual defaults: increment 1, min 1, max MaxInt64, cache 1.
type SequenceParams struct {
	Start     int64
	Increment int64
	MinValue  int64
	MaxValue  int64
	Cache     int64
	Cycle     bool
}

func (p SequenceParams) normalized() SequenceParams {
	if p.Increment == 0 {
		p.Increment = 1
	}
	if p.MinValue == 0 {
		p.MinValue = 1
	}
	if p.MaxValue == 0 {
		p.MaxValue = math.MaxInt64
	}
	if p.Cache == 0 {
		p.Cache = 1
	}
	if p.Start == 0 {
		p.Start = p.MinValue
	}
	return p
}

// CreateSequence records a sequence generator in the system tables. The
// stored last_value starts one increment below Start so the first
// NextSequenceValue call yields Start itself.
func (c *Conglomerate) CreateSequence(tx *transaction.Transaction, schema, name string, params SequenceParams) error {
	p := params.normalized()
	info, err := tx.Open(tableSequenceInfo)
	if err != nil {
		return err
	}
	rows, err := info.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range rows {
		cells, err := info.GetRow(row)
		if err != nil {
			return err
		}
		gotSchema, _ := cells[1].String()
		gotName, _ := cells[2].String()
		if gotSchema == schema && gotName == name {
			return fmt.Errorf("conglomerate: %w: sequence %s.%s", engine.ErrTableExists, schema, name)
		}
	}
	id, err := c.seq.Next()
	if err != nil {
		return err
	}
	if _, err := info.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Str(schema), tobject.Str(name), tobject.Str("SEQUENCE"),
	}); err != nil {
		return err
	}
	values, err := tx.Open(tableSequence)
	if err != nil {
		return err
	}
	_, err = values.AddRow([]tobject.TObject{
		tobject.Int64(id), tobject.Int64(p.Start - p.Increment), tobject.Int64(p.Increment),
		tobject.Int64(p.MinValue), tobject.Int64(p.MaxValue), tobject.Int64(p.Start),
		tobject.Int64(p.Cache), tobject.Bool(p.Cycle),
	})
	return err
}

// NextSequenceValue advances the named sequence within tx and returns
// the new value. The updated counter row commits together with the rest
// of the transaction.
func (c *Conglomerate) NextSequenceValue(tx *transaction.Transaction, schema, name string) (int64, error) {
	info, err := tx.Open(tableSequenceInfo)
	if err != nil {
		return 0, err
	}
	rows, err := info.RowEnumeration()
	if err != nil {
		return 0, err
	}
	var seqID int64
	found := false
	for _, row := range rows {
		cells, err := info.GetRow(row)
		if err != nil {
			return 0, err
		}
		gotSchema, _ := cells[1].String()
		gotName, _ := cells[2].String()
		if gotSchema == schema && gotName == name {
			seqID, _ = cells[0].Int64()
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("conglomerate: %w: sequence %s.%s", engine.ErrTableMissing, schema, name)
	}

	values, err := tx.Open(tableSequence)
	if err != nil {
		return 0, err
	}
	valueRows, err := values.RowEnumeration()
	if err != nil {
		return 0, err
	}
	for _, row := range valueRows {
		cells, err := values.GetRow(row)
		if err != nil {
			return 0, err
		}
		if id, _ := cells[0].Int64(); id != seqID {
			continue
		}
		last, _ := cells[1].Int64()
		increment, _ := cells[2].Int64()
		minValue, _ := cells[3].Int64()
		maxValue, _ := cells[4].Int64()
		cycle, _ := cells[7].Bool()

		next := last + increment
		if next > maxValue {
			if !cycle {
				return 0, fmt.Errorf("conglomerate: sequence %s.%s exhausted at %d", schema, name, maxValue)
			}
			next = minValue
		}
		if err := values.DeleteRow(row); err != nil {
			return 0, err
		}
		updated := append([]tobject.TObject(nil), cells...)
		updated[1] = tobject.Int64(next)
		if _, err := values.AddRow(updated); err != nil {
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("conglomerate: %w: sequence %s.%s has no counter row", engine.ErrTableMissing, schema, name)
}

// loadConstraints rebuilds the in-memory constraint engine from the
// SYS_INFO tables at reopen. Constraints referencing tables that no
// longer resolve are skipped with a warning rather than failing the
// open.
func (c *Conglomerate) loadConstraints() error {
	tx := c.Begin()
	defer tx.CloseAndRollback()

	type colEntry struct {
		name  string
		ref   string
		seqNo int64
	}
	readColumns := func(tableName string, idPos, namePos, seqPos, refPos int) (map[int64][]colEntry, error) {
		ds, err := tx.Open(tableName)
		if err != nil {
			return nil, err
		}
		rows, err := ds.RowEnumeration()
		if err != nil {
			return nil, err
		}
		out := make(map[int64][]colEntry)
		for _, row := range rows {
			cells, err := ds.GetRow(row)
			if err != nil {
				return nil, err
			}
			id, _ := cells[idPos].Int64()
			name, _ := cells[namePos].String()
			seqNo, _ := cells[seqPos].Int64()
			entry := colEntry{name: name, seqNo: seqNo}
			if refPos >= 0 {
				entry.ref, _ = cells[refPos].String()
			}
			out[id] = append(out[id], entry)
		}
		for id := range out {
			list := out[id]
			for i := 1; i < len(list); i++ {
				for j := i; j > 0 && list[j].seqNo < list[j-1].seqNo; j-- {
					list[j], list[j-1] = list[j-1], list[j]
				}
			}
			out[id] = list
		}
		return out, nil
	}

	resolve := func(schema, table string, names []colEntry, useRef bool) (int64, []int, bool) {
		c.mu.Lock()
		id, ok := c.tablesByName[qualified(schema, table)]
		def := c.tableDefs[id]
		c.mu.Unlock()
		if !ok {
			return 0, nil, false
		}
		positions := make([]int, len(names))
		for i, entry := range names {
			colName := entry.name
			if useRef {
				colName = entry.ref
			}
			pos := def.ColumnIndex(colName)
			if pos < 0 {
				return 0, nil, false
			}
			positions[i] = pos
		}
		return id, positions, true
	}

	// Primary keys.
	pkCols, err := readColumns(tablePrimaryColumns, 0, 1, 2, -1)
	if err != nil {
		return err
	}
	pkInfo, err := tx.Open(tablePKeyInfo)
	if err != nil {
		return err
	}
	pkRows, err := pkInfo.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range pkRows {
		cells, err := pkInfo.GetRow(row)
		if err != nil {
			return err
		}
		id, _ := cells[0].Int64()
		name, _ := cells[1].String()
		schema, _ := cells[2].String()
		table, _ := cells[3].String()
		deferred, _ := cells[4].Bool()
		tableID, positions, ok := resolve(schema, table, pkCols[id], false)
		if !ok {
			log.Warn(fmt.Sprintf("skipping primary key %q: table %s.%s unresolved", name, schema, table))
			continue
		}
		c.constraints.Add(constraint.NewPrimaryKey(name, tableID, positions, modeFromDeferred(deferred)))
	}

	// Unique constraints.
	ukCols, err := readColumns(tableUniqueColumns, 0, 1, 2, -1)
	if err != nil {
		return err
	}
	ukInfo, err := tx.Open(tableUniqueInfo)
	if err != nil {
		return err
	}
	ukRows, err := ukInfo.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range ukRows {
		cells, err := ukInfo.GetRow(row)
		if err != nil {
			return err
		}
		id, _ := cells[0].Int64()
		name, _ := cells[1].String()
		schema, _ := cells[2].String()
		table, _ := cells[3].String()
		deferred, _ := cells[4].Bool()
		tableID, positions, ok := resolve(schema, table, ukCols[id], false)
		if !ok {
			log.Warn(fmt.Sprintf("skipping unique constraint %q: table %s.%s unresolved", name, schema, table))
			continue
		}
		c.constraints.Add(constraint.NewUnique(name, tableID, positions, modeFromDeferred(deferred)))
	}

	// Foreign keys.
	fkCols, err := readColumns(tableForeignColumns, 0, 1, 3, 2)
	if err != nil {
		return err
	}
	fkInfo, err := tx.Open(tableFKeyInfo)
	if err != nil {
		return err
	}
	fkRows, err := fkInfo.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range fkRows {
		cells, err := fkInfo.GetRow(row)
		if err != nil {
			return err
		}
		id, _ := cells[0].Int64()
		name, _ := cells[1].String()
		schema, _ := cells[2].String()
		table, _ := cells[3].String()
		refSchema, _ := cells[4].String()
		refTable, _ := cells[5].String()
		updateRuleStr, _ := cells[6].String()
		deleteRuleStr, _ := cells[7].String()
		deferred, _ := cells[8].Bool()
		tableID, positions, ok := resolve(schema, table, fkCols[id], false)
		if !ok {
			log.Warn(fmt.Sprintf("skipping foreign key %q: table %s.%s unresolved", name, schema, table))
			continue
		}
		refTableID, refPositions, refOK := resolve(refSchema, refTable, fkCols[id], true)
		if !refOK {
			log.Warn(fmt.Sprintf("skipping foreign key %q: referenced table %s.%s unresolved", name, refSchema, refTable))
			continue
		}
		updateRule, err := constraint.ParseFKRule(updateRuleStr)
		if err != nil {
			return err
		}
		deleteRule, err := constraint.ParseFKRule(deleteRuleStr)
		if err != nil {
			return err
		}
		cs, err := constraint.NewForeignKey(name, tableID, positions, refTableID, refPositions, updateRule, deleteRule, modeFromDeferred(deferred))
		if err != nil {
			return err
		}
		c.constraints.Add(cs)
	}

	// Check constraints.
	checkInfo, err := tx.Open(tableCheckInfo)
	if err != nil {
		return err
	}
	checkRows, err := checkInfo.RowEnumeration()
	if err != nil {
		return err
	}
	for _, row := range checkRows {
		cells, err := checkInfo.GetRow(row)
		if err != nil {
			return err
		}
		name, _ := cells[1].String()
		schema, _ := cells[2].String()
		table, _ := cells[3].String()
		expression, _ := cells[4].String()
		deferred, _ := cells[5].Bool()
		tableID, _, ok := resolve(schema, table, nil, false)
		if !ok {
			log.Warn(fmt.Sprintf("skipping check constraint %q: table %s.%s unresolved", name, schema, table))
			continue
		}
		c.constraints.Add(constraint.NewCheck(name, tableID, expression, modeFromDeferred(deferred)))
	}
	return nil
}
