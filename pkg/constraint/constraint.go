package constraint

import (
	"fmt"

	"github.com/cuemby/pgstore/pkg/engine"
)

// Kind discriminates a constraint's enforcement rule.
type Kind int

const (
	PrimaryKey Kind = iota
	Unique
	ForeignKey
	Check
)

func (k Kind) String() string {
	switch k {
	case PrimaryKey:
		return "PRIMARY KEY"
	case Unique:
		return "UNIQUE"
	case ForeignKey:
		return "FOREIGN KEY"
	case Check:
		return "CHECK"
	default:
		return "UNKNOWN"
	}
}

// Mode is a constraint's deferral policy.
type Mode int

const (
	NotDeferrable Mode = iota
	InitiallyImmediate
	InitiallyDeferred
)

// FKRule is a referential action. Only NoAction and Restrict are
// accepted by NewForeignKey; Cascade/SetNull/SetDefault are rejected at
// creation time rather than stored and silently unenforced.
type FKRule int

const (
	NoAction FKRule = iota
	Restrict
	Cascade
	SetNull
	SetDefault
)

func (r FKRule) String() string {
	switch r {
	case NoAction:
		return "NO ACTION"
	case Restrict:
		return "RESTRICT"
	case Cascade:
		return "CASCADE"
	case SetNull:
		return "SET NULL"
	case SetDefault:
		return "SET DEFAULT"
	default:
		return "UNKNOWN"
	}
}

func (r FKRule) supported() bool { return r == NoAction || r == Restrict }

// ParseFKRule maps the stored rule text back to its FKRule value.
func ParseFKRule(s string) (FKRule, error) {
	switch s {
	case "NO ACTION":
		return NoAction, nil
	case "RESTRICT":
		return Restrict, nil
	case "CASCADE":
		return Cascade, nil
	case "SET NULL":
		return SetNull, nil
	case "SET DEFAULT":
		return SetDefault, nil
	}
	return NoAction, fmt.Errorf("constraint: unknown foreign key rule %q", s)
}

// Constraint is one PK/UK/FK/CHECK rule bound to a table.
type Constraint struct {
	Name    string
	TableID int64
	Kind    Kind
	Mode    Mode
	Columns []int // local column positions the constraint is keyed on

	// FK-only.
	RefTableID int64
	RefColumns []int
	UpdateRule FKRule
	DeleteRule FKRule

	// CHECK-only: an opaque expression the caller's ExpressionEvaluator
	// understands. The engine never interprets it.
	Expression any
}

// NewPrimaryKey/NewUnique construct key constraints.
func NewPrimaryKey(name string, tableID int64, columns []int, mode Mode) Constraint {
	return Constraint{Name: name, TableID: tableID, Kind: PrimaryKey, Mode: mode, Columns: columns}
}

func NewUnique(name string, tableID int64, columns []int, mode Mode) Constraint {
	return Constraint{Name: name, TableID: tableID, Kind: Unique, Mode: mode, Columns: columns}
}

// NewCheck constructs a CHECK constraint.
func NewCheck(name string, tableID int64, expression any, mode Mode) Constraint {
	return Constraint{Name: name, TableID: tableID, Kind: Check, Mode: mode, Expression: expression}
}

// NewForeignKey constructs a FOREIGN KEY constraint, rejecting any
// update/delete rule other than NO ACTION or RESTRICT.
func NewForeignKey(name string, tableID int64, columns []int, refTableID int64, refColumns []int, updateRule, deleteRule FKRule, mode Mode) (Constraint, error) {
	if !updateRule.supported() {
		return Constraint{}, fmt.Errorf("constraint: foreign key %q update rule %s: %w", name, updateRule, engine.ErrUnsupportedFKRule)
	}
	if !deleteRule.supported() {
		return Constraint{}, fmt.Errorf("constraint: foreign key %q delete rule %s: %w", name, deleteRule, engine.ErrUnsupportedFKRule)
	}
	return Constraint{
		Name: name, TableID: tableID, Kind: ForeignKey, Mode: mode,
		Columns: columns, RefTableID: refTableID, RefColumns: refColumns,
		UpdateRule: updateRule, DeleteRule: deleteRule,
	}, nil
}
