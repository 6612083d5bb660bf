// Package change defines the typed schema mutations the differ emits
// and the solver orders: a tagged variant over the seventeen kinds of
// §3, each carrying its own precondition check and virtual-schema
// effect. Modeled as a small interface with one concrete type per
// kind, the same shape pg_query_go uses for its statement nodes,
// rather than a single flat struct or a deep class hierarchy.
package change

import (
	"fmt"

	"github.com/dibs-project/dibs/schema"
)

// Kind tags a Change with its variant. The ordering of the constants
// is the solver's canonical scan order (§4.3): drops of dependents
// before drops of dependees, additions of dependees before additions
// of dependents.
type Kind int

const (
	KindDropForeignKey Kind = iota
	KindDropIndex
	KindDropUnique
	KindDropPrimaryKey
	KindDropColumn
	KindDropTable
	KindRenameTable
	KindRenameColumn
	KindAlterColumnType
	KindAlterColumnNullability
	KindAlterColumnDefault
	KindCreateTable
	KindAddColumn
	KindAddPrimaryKey
	KindAddUnique
	KindAddIndex
	KindAddForeignKey
)

var kindNames = [...]string{
	"drop_foreign_key",
	"drop_index",
	"drop_unique",
	"drop_primary_key",
	"drop_column",
	"drop_table",
	"rename_table",
	"rename_column",
	"alter_column_type",
	"alter_column_nullability",
	"alter_column_default",
	"create_table",
	"add_column",
	"add_primary_key",
	"add_unique",
	"add_index",
	"add_foreign_key",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Change is one atomic, typed schema mutation. Precondition reports a
// non-empty reason the change cannot yet apply to v, or "" if it can.
// Apply performs the change's effect on v in place and must only be
// called once Precondition has returned "".
type Change interface {
	Kind() Kind
	Precondition(v *schema.Schema) string
	Apply(v *schema.Schema) error
}

// ChangeSet is an order-irrelevant collection of Change values, the
// differ's output (§3).
type ChangeSet []Change

// CreateTable adds a new table.
type CreateTable struct {
	Table schema.Table
}

func (c *CreateTable) Kind() Kind { return KindCreateTable }

func (c *CreateTable) Precondition(v *schema.Schema) string {
	if _, ok := v.Table(c.Table.Name); ok {
		return fmt.Sprintf("table %q already exists", c.Table.Name)
	}
	for _, fk := range c.Table.ForeignKeys {
		refTable, ok := v.Table(fk.RefTable)
		if !ok {
			return fmt.Sprintf("foreign key %q references unknown table %q", fk.Name, fk.RefTable)
		}
		if !refTable.HasColumns(fk.RefColumns) {
			return fmt.Sprintf("foreign key %q references unknown columns on %q", fk.Name, fk.RefTable)
		}
	}
	return ""
}

func (c *CreateTable) Apply(v *schema.Schema) error {
	v.AddTable(c.Table.Clone())
	return nil
}

// DropTable removes a table.
type DropTable struct {
	Name string
}

func (c *DropTable) Kind() Kind { return KindDropTable }

func (c *DropTable) Precondition(v *schema.Schema) string {
	if _, ok := v.Table(c.Name); !ok {
		return fmt.Sprintf("table %q does not exist", c.Name)
	}
	if refs := v.TablesByRefTo(c.Name, c.Name); len(refs) > 0 {
		return fmt.Sprintf("table %q is still referenced by %q", c.Name, refs[0].Name)
	}
	return ""
}

func (c *DropTable) Apply(v *schema.Schema) error {
	delete(v.Tables, c.Name)
	return nil
}

// RenameTable renames a table, and updates any foreign keys elsewhere
// in the schema that referenced it under its old name.
type RenameTable struct {
	From, To string
}

func (c *RenameTable) Kind() Kind { return KindRenameTable }

func (c *RenameTable) Precondition(v *schema.Schema) string {
	if _, ok := v.Table(c.From); !ok {
		return fmt.Sprintf("table %q does not exist", c.From)
	}
	if _, ok := v.Table(c.To); ok {
		return fmt.Sprintf("table %q already exists", c.To)
	}
	return ""
}

func (c *RenameTable) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.From)
	if !ok {
		return fmt.Errorf("rename table: %q not found", c.From)
	}
	t.Name = c.To
	delete(v.Tables, c.From)
	v.Tables[c.To] = t

	for _, name := range v.TableNames() {
		other := v.Tables[name]
		for i := range other.ForeignKeys {
			if other.ForeignKeys[i].RefTable == c.From {
				other.ForeignKeys[i].RefTable = c.To
			}
		}
	}
	return nil
}

// AddColumn appends a column to a table.
type AddColumn struct {
	Table  string
	Column schema.Column
}

func (c *AddColumn) Kind() Kind { return KindAddColumn }

func (c *AddColumn) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.Column.Name); ok {
		return fmt.Sprintf("column %q already exists on %q", c.Column.Name, c.Table)
	}
	return ""
}

func (c *AddColumn) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("add column: table %q not found", c.Table)
	}
	t.Columns = append(t.Columns, c.Column.Clone())
	return nil
}

// DropColumn removes a column, provided nothing references it.
type DropColumn struct {
	Table, Column string
}

func (c *DropColumn) Kind() Kind { return KindDropColumn }

func (c *DropColumn) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.Column); !ok {
		return fmt.Sprintf("column %q does not exist on %q", c.Column, c.Table)
	}
	if t.IsColumnReferenced(c.Column) {
		return fmt.Sprintf("column %q is still referenced on %q", c.Column, c.Table)
	}
	for _, name := range v.TableNames() {
		other := v.Tables[name]
		if other.Name == c.Table {
			continue
		}
		for _, fk := range other.ForeignKeys {
			if fk.RefTable == c.Table && containsColumn(fk.RefColumns, c.Column) {
				return fmt.Sprintf("column %q is still referenced by foreign key %q on %q", c.Column, fk.Name, other.Name)
			}
		}
	}
	return ""
}

func containsColumn(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}

func (c *DropColumn) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop column: table %q not found", c.Table)
	}
	out := t.Columns[:0]
	for _, col := range t.Columns {
		if col.Name != c.Column {
			out = append(out, col)
		}
	}
	t.Columns = out
	return nil
}

// RenameColumn renames a column on a table, updating local
// constraint/index references and any foreign key elsewhere that
// referenced it.
type RenameColumn struct {
	Table, From, To string
}

func (c *RenameColumn) Kind() Kind { return KindRenameColumn }

func (c *RenameColumn) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.From); !ok {
		return fmt.Sprintf("column %q does not exist on %q", c.From, c.Table)
	}
	if _, ok := t.Column(c.To); ok {
		return fmt.Sprintf("column %q already exists on %q", c.To, c.Table)
	}
	return ""
}

func (c *RenameColumn) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("rename column: table %q not found", c.Table)
	}
	col, ok := t.Column(c.From)
	if !ok {
		return fmt.Errorf("rename column: %q not found on %q", c.From, c.Table)
	}
	col.Name = c.To

	renameInPlace(t.PrimaryKey, c.From, c.To)
	for i := range t.UniqueConstraints {
		renameInPlace(t.UniqueConstraints[i].Columns, c.From, c.To)
	}
	for i := range t.ForeignKeys {
		renameInPlace(t.ForeignKeys[i].LocalColumns, c.From, c.To)
	}
	for i := range t.Indexes {
		renameInPlace(t.Indexes[i].Columns, c.From, c.To)
	}

	for _, name := range v.TableNames() {
		other := v.Tables[name]
		for i := range other.ForeignKeys {
			fk := &other.ForeignKeys[i]
			if fk.RefTable == c.Table {
				renameInPlace(fk.RefColumns, c.From, c.To)
			}
		}
	}
	return nil
}

func renameInPlace(cols []string, from, to string) {
	for i, c := range cols {
		if c == from {
			cols[i] = to
		}
	}
}

// AlterColumnType changes a column's declared type.
type AlterColumnType struct {
	Table, Column string
	From, To      schema.PgType
}

func (c *AlterColumnType) Kind() Kind { return KindAlterColumnType }

func (c *AlterColumnType) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	col, ok := t.Column(c.Column)
	if !ok {
		return fmt.Sprintf("column %q does not exist on %q", c.Column, c.Table)
	}
	_ = col

	for i := range t.ForeignKeys {
		fk := t.ForeignKeys[i]
		if !containsColumn(fk.LocalColumns, c.Column) {
			continue
		}
		refTable, ok := v.Table(fk.RefTable)
		if !ok {
			continue
		}
		for j, localCol := range fk.LocalColumns {
			if localCol != c.Column {
				continue
			}
			refCol, ok := refTable.Column(fk.RefColumns[j])
			if ok && !refCol.Type.Equal(c.To) {
				return fmt.Sprintf("column %q is referenced by foreign key %q; referenced column type does not match yet", c.Column, fk.Name)
			}
		}
	}

	for _, name := range v.TableNames() {
		other := v.Tables[name]
		for _, fk := range other.ForeignKeys {
			if fk.RefTable != c.Table {
				continue
			}
			for j, refCol := range fk.RefColumns {
				if refCol != c.Column {
					continue
				}
				localCol, ok := other.Column(fk.LocalColumns[j])
				if ok && !localCol.Type.Equal(c.To) {
					return fmt.Sprintf("column %q is referenced by foreign key %q on %q; local column type does not match yet", c.Column, fk.Name, other.Name)
				}
			}
		}
	}

	return ""
}

func (c *AlterColumnType) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("alter column type: table %q not found", c.Table)
	}
	col, ok := t.Column(c.Column)
	if !ok {
		return fmt.Errorf("alter column type: column %q not found on %q", c.Column, c.Table)
	}
	col.Type = c.To.Clone()
	return nil
}

// AlterColumnNullability changes a column's NOT NULL status.
type AlterColumnNullability struct {
	Table, Column string
	Nullable      bool
}

func (c *AlterColumnNullability) Kind() Kind { return KindAlterColumnNullability }

func (c *AlterColumnNullability) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.Column); !ok {
		return fmt.Sprintf("column %q does not exist on %q", c.Column, c.Table)
	}
	return ""
}

func (c *AlterColumnNullability) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("alter column nullability: table %q not found", c.Table)
	}
	col, ok := t.Column(c.Column)
	if !ok {
		return fmt.Errorf("alter column nullability: column %q not found on %q", c.Column, c.Table)
	}
	col.Nullable = c.Nullable
	return nil
}

// AlterColumnDefault changes a column's default expression.
type AlterColumnDefault struct {
	Table, Column string
	Default       *string
}

func (c *AlterColumnDefault) Kind() Kind { return KindAlterColumnDefault }

func (c *AlterColumnDefault) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.Column(c.Column); !ok {
		return fmt.Sprintf("column %q does not exist on %q", c.Column, c.Table)
	}
	return ""
}

func (c *AlterColumnDefault) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("alter column default: table %q not found", c.Table)
	}
	col, ok := t.Column(c.Column)
	if !ok {
		return fmt.Errorf("alter column default: column %q not found on %q", c.Column, c.Table)
	}
	if c.Default == nil {
		col.Default = nil
	} else {
		d := *c.Default
		col.Default = &d
	}
	return nil
}

// AddForeignKey adds a foreign key to a table.
type AddForeignKey struct {
	Table string
	FK    schema.ForeignKey
}

func (c *AddForeignKey) Kind() Kind { return KindAddForeignKey }

func (c *AddForeignKey) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if !t.HasColumns(c.FK.LocalColumns) {
		return fmt.Sprintf("foreign key %q: local columns missing on %q", c.FK.Name, c.Table)
	}
	refTable, ok := v.Table(c.FK.RefTable)
	if !ok {
		return fmt.Sprintf("foreign key %q: referenced table %q does not exist", c.FK.Name, c.FK.RefTable)
	}
	if !refTable.HasColumns(c.FK.RefColumns) {
		return fmt.Sprintf("foreign key %q: referenced columns missing on %q", c.FK.Name, c.FK.RefTable)
	}
	if !refTable.ColumnsFormPrimaryOrUniqueKey(c.FK.RefColumns) {
		return fmt.Sprintf("foreign key %q: referenced columns are not a primary key or unique constraint on %q", c.FK.Name, c.FK.RefTable)
	}
	return ""
}

func (c *AddForeignKey) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("add foreign key: table %q not found", c.Table)
	}
	t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
		Name:         c.FK.Name,
		LocalColumns: append([]string(nil), c.FK.LocalColumns...),
		RefTable:     c.FK.RefTable,
		RefColumns:   append([]string(nil), c.FK.RefColumns...),
	})
	return nil
}

// DropForeignKey removes a named foreign key.
type DropForeignKey struct {
	Table, Name string
}

func (c *DropForeignKey) Kind() Kind { return KindDropForeignKey }

func (c *DropForeignKey) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.ForeignKeyByName(c.Name); !ok {
		return fmt.Sprintf("foreign key %q does not exist on %q", c.Name, c.Table)
	}
	return ""
}

func (c *DropForeignKey) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop foreign key: table %q not found", c.Table)
	}
	out := t.ForeignKeys[:0]
	for _, fk := range t.ForeignKeys {
		if fk.Name != c.Name {
			out = append(out, fk)
		}
	}
	t.ForeignKeys = out
	return nil
}

// AddUnique adds a named unique constraint.
type AddUnique struct {
	Table, Name string
	Columns     []string
}

func (c *AddUnique) Kind() Kind { return KindAddUnique }

func (c *AddUnique) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if !t.HasColumns(c.Columns) {
		return fmt.Sprintf("unique constraint %q: columns missing on %q", c.Name, c.Table)
	}
	if v.NameTaken(c.Name) {
		return fmt.Sprintf("name %q already in use", c.Name)
	}
	return ""
}

func (c *AddUnique) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("add unique: table %q not found", c.Table)
	}
	t.UniqueConstraints = append(t.UniqueConstraints, schema.UniqueConstraint{
		Name:    c.Name,
		Columns: append([]string(nil), c.Columns...),
	})
	return nil
}

// DropUnique removes a named unique constraint.
type DropUnique struct {
	Table, Name string
}

func (c *DropUnique) Kind() Kind { return KindDropUnique }

func (c *DropUnique) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.UniqueConstraintByName(c.Name); !ok {
		return fmt.Sprintf("unique constraint %q does not exist on %q", c.Name, c.Table)
	}
	return ""
}

func (c *DropUnique) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop unique: table %q not found", c.Table)
	}
	out := t.UniqueConstraints[:0]
	for _, uc := range t.UniqueConstraints {
		if uc.Name != c.Name {
			out = append(out, uc)
		}
	}
	t.UniqueConstraints = out
	return nil
}

// AddPrimaryKey adds a primary key, which must not already exist.
type AddPrimaryKey struct {
	Table   string
	Columns []string
}

func (c *AddPrimaryKey) Kind() Kind { return KindAddPrimaryKey }

func (c *AddPrimaryKey) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if t.PrimaryKey != nil {
		return fmt.Sprintf("table %q already has a primary key", c.Table)
	}
	if !t.HasColumns(c.Columns) {
		return fmt.Sprintf("primary key: columns missing on %q", c.Table)
	}
	for _, col := range c.Columns {
		cc, _ := t.Column(col)
		if cc.Nullable {
			return fmt.Sprintf("primary key column %q must be NOT NULL", col)
		}
	}
	return ""
}

func (c *AddPrimaryKey) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("add primary key: table %q not found", c.Table)
	}
	t.PrimaryKey = append([]string(nil), c.Columns...)
	for _, col := range c.Columns {
		if cc, ok := t.Column(col); ok {
			cc.Nullable = false
		}
	}
	return nil
}

// DropPrimaryKey removes a table's primary key.
type DropPrimaryKey struct {
	Table string
}

func (c *DropPrimaryKey) Kind() Kind { return KindDropPrimaryKey }

func (c *DropPrimaryKey) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if t.PrimaryKey == nil {
		return fmt.Sprintf("table %q has no primary key", c.Table)
	}
	return ""
}

func (c *DropPrimaryKey) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop primary key: table %q not found", c.Table)
	}
	t.PrimaryKey = nil
	return nil
}

// AddIndex adds an index.
type AddIndex struct {
	Table string
	Index schema.Index
}

func (c *AddIndex) Kind() Kind { return KindAddIndex }

func (c *AddIndex) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if !t.HasColumns(c.Index.Columns) {
		return fmt.Sprintf("index %q: columns missing on %q", c.Index.Name, c.Table)
	}
	if v.NameTaken(c.Index.Name) {
		return fmt.Sprintf("name %q already in use", c.Index.Name)
	}
	return ""
}

func (c *AddIndex) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("add index: table %q not found", c.Table)
	}
	idx := c.Index
	idx.Columns = append([]string(nil), c.Index.Columns...)
	t.Indexes = append(t.Indexes, idx)
	return nil
}

// DropIndex removes a named index.
type DropIndex struct {
	Table, Name string
}

func (c *DropIndex) Kind() Kind { return KindDropIndex }

func (c *DropIndex) Precondition(v *schema.Schema) string {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Sprintf("table %q does not exist", c.Table)
	}
	if _, ok := t.IndexByName(c.Name); !ok {
		return fmt.Sprintf("index %q does not exist on %q", c.Name, c.Table)
	}
	return ""
}

func (c *DropIndex) Apply(v *schema.Schema) error {
	t, ok := v.Table(c.Table)
	if !ok {
		return fmt.Errorf("drop index: table %q not found", c.Table)
	}
	out := t.Indexes[:0]
	for _, idx := range t.Indexes {
		if idx.Name != c.Name {
			out = append(out, idx)
		}
	}
	t.Indexes = out
	return nil
}
