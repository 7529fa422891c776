// Package catalog models the backup-able objects of a PostgreSQL database,
// loads them from the system catalogs and renders them as SQL.
package catalog

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Kind identifies the variant of an Object
type Kind int

const (
	KindSchema Kind = iota
	KindTable
	KindSequence
	KindView
	KindIndex
	KindConstraint
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindTable:
		return "table"
	case KindSequence:
		return "sequence"
	case KindView:
		return "view"
	case KindIndex:
		return "index"
	case KindConstraint:
		return "constraint"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Object is implemented by every catalog entity. The set is closed.
type Object interface {
	Kind() Kind
	ObjectName() string
	object()
}

// Schema is a namespace. OID only joins children to parents while loading.
type Schema struct {
	Name  string
	Owner string
	OID   uint32
}

// Table is an ordinary relation with its columns in ordinal order
type Table struct {
	Name    string
	Schema  *Schema
	Owner   string
	Columns []Column
	OID     uint32
}

// Column is one attribute of a table
type Column struct {
	Name     string
	TypeName string
	Size     int
	Scale    int
	Nullable bool
	Default  string
	// SequenceName is set when Default draws from a sequence owned by the column
	SequenceName string
	Position     int
}

// Sequence carries the parameters and the value observed at dump time
type Sequence struct {
	Name      string
	Schema    *Schema
	Owner     string
	Increment int64
	Min       int64
	Max       int64
	Cache     int64
	Cycle     bool
	Start     int64
	// LastValue is nil until the sequence has been called once
	LastValue *int64
}

// View stores the expanded SELECT returned by the server
type View struct {
	Name       string
	Schema     *Schema
	Owner      string
	Definition string
}

// Index is a non primary key index; it always belongs to its table's owner
type Index struct {
	Name       string
	Schema     *Schema
	Table      string
	Definition string
}

// ConstraintType groups pg_constraint.contype values
type ConstraintType int

const (
	ConstraintOther ConstraintType = iota
	ConstraintPrimaryKey
	ConstraintForeignKey
)

// ConstraintTypeOf maps a contype code to a ConstraintType
func ConstraintTypeOf(contype string) ConstraintType {
	switch contype {
	case "p":
		return ConstraintPrimaryKey
	case "f":
		return ConstraintForeignKey
	}
	return ConstraintOther
}

// Constraint is a table constraint; its owner is the table owner
type Constraint struct {
	Name       string
	Schema     *Schema
	Table      string
	Owner      string
	Type       ConstraintType
	Definition string
}

func (*Schema) Kind() Kind     { return KindSchema }
func (*Table) Kind() Kind      { return KindTable }
func (*Sequence) Kind() Kind   { return KindSequence }
func (*View) Kind() Kind       { return KindView }
func (*Index) Kind() Kind      { return KindIndex }
func (*Constraint) Kind() Kind { return KindConstraint }

func (s *Schema) ObjectName() string     { return s.Name }
func (t *Table) ObjectName() string      { return t.Name }
func (s *Sequence) ObjectName() string   { return s.Name }
func (v *View) ObjectName() string       { return v.Name }
func (i *Index) ObjectName() string      { return i.Name }
func (c *Constraint) ObjectName() string { return c.Name }

func (*Schema) object()     {}
func (*Table) object()      {}
func (*Sequence) object()   {}
func (*View) object()       {}
func (*Index) object()      {}
func (*Constraint) object() {}

// ColumnBuilder collects the columns of one table while catalog rows arrive
// and freezes them into ordinal order.
type ColumnBuilder struct {
	columns []Column
	seen    map[int]bool
	built   bool
}

// Add appends a column; positions must be unique
func (b *ColumnBuilder) Add(c Column) error {
	if b.built {
		return errors.Errorf("column %s added after build", c.Name)
	}
	if b.seen == nil {
		b.seen = make(map[int]bool)
	}
	if b.seen[c.Position] {
		return errors.Errorf("duplicate column position %d (%s)", c.Position, c.Name)
	}
	b.seen[c.Position] = true
	b.columns = append(b.columns, c)
	return nil
}

// Build returns the columns sorted by position. The builder accepts no
// further columns afterwards.
func (b *ColumnBuilder) Build() []Column {
	b.built = true
	cols := make([]Column, len(b.columns))
	copy(cols, b.columns)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })
	return cols
}

// SortConstraints orders constraints primary keys first, then other
// non foreign key constraints, then foreign keys. Relative order inside each
// group is kept.
func SortConstraints(constraints []*Constraint) []*Constraint {
	out := make([]*Constraint, 0, len(constraints))
	for _, rank := range []ConstraintType{ConstraintPrimaryKey, ConstraintOther, ConstraintForeignKey} {
		for _, c := range constraints {
			if c.Type == rank {
				out = append(out, c)
			}
		}
	}
	return out
}
